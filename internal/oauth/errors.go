package oauth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

var (
	// ErrUnauthorized rejects a callback whose state is missing, unknown,
	// mismatched or already redeemed.
	ErrUnauthorized = errors.New("oauth state rejected")

	// ErrStateExpired is an ErrUnauthorized for a state past its expiry.
	ErrStateExpired = fmt.Errorf("%w: state expired", ErrUnauthorized)

	// ErrConfiguration means the client credentials are incomplete and the
	// flow must not be served.
	ErrConfiguration = errors.New("oauth configuration incomplete")
)

// TokenExchangeError is returned when the token endpoint rejects an
// authorization code. Body is the provider's raw response.
type TokenExchangeError struct {
	StatusCode int
	ErrorCode  string
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: %s", describe(e.StatusCode, e.ErrorCode, e.Err))
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError is returned when the token endpoint rejects a refresh token.
type TokenRefreshError struct {
	StatusCode int
	ErrorCode  string
	Body       string
	Err        error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: %s", describe(e.StatusCode, e.ErrorCode, e.Err))
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

func describe(status int, code string, err error) string {
	switch {
	case status != 0 && code != "":
		return fmt.Sprintf("status %d: %s", status, code)
	case status != 0:
		return fmt.Sprintf("status %d", status)
	case err != nil:
		return err.Error()
	default:
		return "unknown error"
	}
}

// providerDetails pulls the HTTP status, error code and body out of an
// oauth2 retrieval failure.
func providerDetails(err error) (status int, code, body string) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return status, re.ErrorCode, string(re.Body)
	}
	return 0, "", ""
}
