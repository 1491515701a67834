package models

import "time"

// OAuthState is a one-time anti-CSRF nonce issued with an authorization URL.
type OAuthState struct {
	Provider    string     `json:"provider"`
	State       string     `json:"state"`
	UserID      string     `json:"user_id"`
	RedirectURI string     `json:"redirect_uri"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Used        bool       `json:"used"`
	CreatedAt   time.Time  `json:"created_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

func (s *OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// OAuthConnection keeps the long-lived refresh token of a connected account.
type OAuthConnection struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	RefreshToken string    `json:"-"`
	Scope        string    `json:"scope"`
	UpdatedAt    time.Time `json:"updated_at"`
}
