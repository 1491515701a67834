package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"Mailflow/internal/db"
	"Mailflow/internal/models"
	"Mailflow/internal/oauth"
)

type tokenRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// oauthReady answers 503 when the flow is not configured.
func (h *Handler) oauthReady(w http.ResponseWriter) bool {
	if h.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "google integration is not configured")
		return false
	}
	return true
}

// allow applies the per-user attempt limit and writes the 429 itself.
func (h *Handler) allow(w http.ResponseWriter, userID string) bool {
	if h.OAuth.CheckRateLimit(userID, h.OAuthLimit, h.OAuthWindow) {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	return false
}

// rateKey identifies the caller for throttling: the gateway user when known,
// the client host otherwise. The port is dropped so new connections share a window.
func rateKey(r *http.Request) string {
	if id := r.Header.Get(userHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (h *Handler) AuthURL(w http.ResponseWriter, r *http.Request) {
	if !h.oauthReady(w) {
		return
	}

	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	if !h.allow(w, userID) {
		return
	}

	req, err := h.OAuth.IssueAuthorizationURL(r.Context(), userID)
	if err != nil {
		h.Log.Error("issue authorization url failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Callback is the provider's browser redirect target. It always ends in a
// redirect to the app and always invalidates the presented state.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil {
		h.redirectIntegration(w, r, false)
		return
	}

	// A redeemed state must reach a final outcome even if the browser leaves.
	ctx := context.WithoutCancel(r.Context())
	q := r.URL.Query()
	state := q.Get("state")
	defer func() {
		if err := h.OAuth.DiscardState(ctx, state); err != nil {
			h.Log.Warn("discard oauth state failed", zap.Error(err))
		}
	}()

	if providerErr := q.Get("error"); providerErr != "" {
		h.Log.Info("authorization denied at provider", zap.String("error", providerErr))
		h.redirectIntegration(w, r, false)
		return
	}

	rec, err := h.OAuth.ConsumeState(ctx, state)
	if err != nil {
		h.Log.Warn("oauth callback rejected", zap.Error(err))
		h.redirectIntegration(w, r, false)
		return
	}

	code := q.Get("code")
	if code == "" || !h.OAuth.CheckRateLimit(rec.UserID, h.OAuthLimit, h.OAuthWindow) {
		h.redirectIntegration(w, r, false)
		return
	}

	tokens, err := h.OAuth.ExchangeCodeForTokens(ctx, code)
	if err != nil {
		h.redirectIntegration(w, r, false)
		return
	}

	h.storeTokens(ctx, rec.UserID, tokens)
	h.redirectIntegration(w, r, true)
}

func (h *Handler) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	if !h.oauthReady(w) {
		return
	}

	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || req.State == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	defer func() {
		if err := h.OAuth.DiscardState(ctx, req.State); err != nil {
			h.Log.Warn("discard oauth state failed", zap.Error(err))
		}
	}()

	rec, err := h.OAuth.ConsumeState(ctx, req.State)
	if err != nil {
		if errors.Is(err, oauth.ErrUnauthorized) {
			writeError(w, http.StatusBadRequest, "invalid state")
			return
		}
		h.Log.Error("consume oauth state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !h.allow(w, rec.UserID) {
		return
	}

	tokens, err := h.OAuth.ExchangeCodeForTokens(ctx, req.Code)
	if err != nil {
		var exErr *oauth.TokenExchangeError
		if errors.As(err, &exErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "token exchange failed",
				"code":  exErr.ErrorCode,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.storeTokens(ctx, rec.UserID, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if !h.oauthReady(w) {
		return
	}

	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	if !h.allow(w, rateKey(r)) {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	tokens, err := h.OAuth.RefreshAccessToken(ctx, req.RefreshToken)
	if err != nil {
		h.refreshError(w, err)
		return
	}

	if userID := r.Header.Get(userHeader); userID != "" {
		h.OAuth.CacheToken(ctx, userID, tokens.AccessToken, tokens.ExpiresIn)
	}
	writeJSON(w, http.StatusOK, tokens)
}

// AccessToken serves the caller's cached access token, refreshing it from the
// stored connection on a miss.
func (h *Handler) AccessToken(w http.ResponseWriter, r *http.Request) {
	if !h.oauthReady(w) {
		return
	}

	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if tok, ok := h.OAuth.GetCachedToken(ctx, userID); ok {
		writeJSON(w, http.StatusOK, map[string]string{"accessToken": tok})
		return
	}
	if h.Connections == nil {
		writeError(w, http.StatusNotFound, "google account not connected")
		return
	}

	conn, err := h.Connections.GetConnection(ctx, userID, h.OAuth.Provider())
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "google account not connected")
		return
	}
	if err != nil {
		h.Log.Error("load oauth connection failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !h.allow(w, userID) {
		return
	}

	tokens, err := h.OAuth.RefreshAccessToken(ctx, conn.RefreshToken)
	if err != nil {
		h.refreshError(w, err)
		return
	}

	h.storeTokens(ctx, userID, tokens)
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": tokens.AccessToken})
}

func (h *Handler) refreshError(w http.ResponseWriter, err error) {
	var rfErr *oauth.TokenRefreshError
	if errors.As(err, &rfErr) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "token refresh failed",
			"code":  rfErr.ErrorCode,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

// storeTokens caches the access token and persists a new refresh token.
func (h *Handler) storeTokens(ctx context.Context, userID string, tokens *oauth.TokenSet) {
	h.OAuth.CacheToken(ctx, userID, tokens.AccessToken, tokens.ExpiresIn)

	if tokens.RefreshToken == "" || h.Connections == nil {
		return
	}
	err := h.Connections.UpsertConnection(ctx, &models.OAuthConnection{
		UserID:       userID,
		Provider:     h.OAuth.Provider(),
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope,
	})
	if err != nil {
		h.Log.Error("save oauth connection failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *Handler) redirectIntegration(w http.ResponseWriter, r *http.Request, ok bool) {
	result := "error"
	if ok {
		result = "success"
	}

	target := h.AppURL
	if u, err := url.Parse(h.AppURL); err == nil {
		q := u.Query()
		q.Set("integration", result)
		u.RawQuery = q.Encode()
		target = u.String()
	} else {
		target += "?integration=" + result
	}
	http.Redirect(w, r, target, http.StatusFound)
}
