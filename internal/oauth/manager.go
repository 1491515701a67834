// Package oauth runs the authorization-code flow used by the Google Sheets
// import: state nonce issue and redemption, code and refresh-token exchange,
// a per-user access token cache and a per-user attempt limiter.
//
// The token cache and the limiter live in process memory unless a shared
// TokenCache is injected; horizontally scaled instances do not see each
// other's counters.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"Mailflow/internal/db"
	"Mailflow/internal/metrics"
	"Mailflow/internal/models"
)

const (
	ProviderGoogle  = "google"
	DefaultStateTTL = 600 * time.Second

	stateBytes = 32
)

type Options struct {
	Provider     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	StateTTL     time.Duration

	States     StateStore
	Tokens     TokenCache
	HTTPClient *http.Client
	Logger     *zap.Logger
	Now        func() time.Time
}

type AuthorizationRequest struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
	Scope        string `json:"scope,omitempty"`
}

// Manager is built once at startup and shared by the HTTP handlers.
type Manager struct {
	provider string
	conf     *oauth2.Config
	stateTTL time.Duration

	states  StateStore
	tokens  TokenCache
	limiter *RateLimiter

	httpClient *http.Client
	log        *zap.Logger
	now        func() time.Time
}

func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.ClientID == "":
		return nil, fmt.Errorf("%w: client id is empty", ErrConfiguration)
	case opts.ClientSecret == "":
		return nil, fmt.Errorf("%w: client secret is empty", ErrConfiguration)
	case opts.RedirectURI == "":
		return nil, fmt.Errorf("%w: redirect uri is empty", ErrConfiguration)
	case opts.AuthURL == "" || opts.TokenURL == "":
		return nil, fmt.Errorf("%w: provider endpoints are empty", ErrConfiguration)
	case opts.States == nil:
		return nil, fmt.Errorf("%w: state store is nil", ErrConfiguration)
	}

	if opts.Provider == "" {
		opts.Provider = ProviderGoogle
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tokens == nil {
		opts.Tokens = NewMemoryTokenCache(opts.Now)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Manager{
		provider: opts.Provider,
		conf: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  opts.AuthURL,
				TokenURL: opts.TokenURL,
				// Fixed style: auto-detection would retry a rejected request.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		stateTTL:   opts.StateTTL,
		states:     opts.States,
		tokens:     opts.Tokens,
		limiter:    NewRateLimiter(opts.Now),
		httpClient: opts.HTTPClient,
		log:        opts.Logger,
		now:        opts.Now,
	}, nil
}

func (m *Manager) Provider() string { return m.provider }

// IssueAuthorizationURL stores a fresh state for userID and returns the
// consent URL. access_type=offline and prompt=consent make the provider
// return a refresh token even when the user consented before.
func (m *Manager) IssueAuthorizationURL(ctx context.Context, userID string) (*AuthorizationRequest, error) {
	state, err := newState()
	if err != nil {
		return nil, err
	}

	now := m.now()
	rec := &models.OAuthState{
		Provider:    m.provider,
		State:       state,
		UserID:      userID,
		RedirectURI: m.conf.RedirectURL,
		ExpiresAt:   now.Add(m.stateTTL),
		CreatedAt:   now,
	}
	if err := m.states.SaveState(ctx, rec); err != nil {
		return nil, fmt.Errorf("save oauth state: %w", err)
	}

	return &AuthorizationRequest{
		URL:   m.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce),
		State: state,
	}, nil
}

// ConsumeState redeems an issued state exactly once. Missing, unknown,
// mismatched and already used states fail with ErrUnauthorized, expired ones
// with ErrStateExpired. Expired records are left for PurgeExpired.
func (m *Manager) ConsumeState(ctx context.Context, state string) (*models.OAuthState, error) {
	if state == "" {
		return nil, ErrUnauthorized
	}

	rec, err := m.states.GetState(ctx, m.provider, state)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("load oauth state: %w", err)
	}

	if rec.Provider != m.provider || subtle.ConstantTimeCompare([]byte(rec.State), []byte(state)) != 1 {
		return nil, ErrUnauthorized
	}
	if rec.Used {
		m.log.Warn("oauth state replayed", zap.String("provider", m.provider), zap.String("user_id", rec.UserID))
		return nil, ErrUnauthorized
	}

	now := m.now()
	if rec.Expired(now) {
		return nil, ErrStateExpired
	}

	redeemed, err := m.states.MarkStateUsed(ctx, m.provider, state, now)
	if err != nil {
		return nil, fmt.Errorf("redeem oauth state: %w", err)
	}
	if !redeemed {
		return nil, ErrUnauthorized
	}

	rec.Used = true
	rec.UsedAt = &now
	return rec, nil
}

// DiscardState invalidates a state once its callback has completed.
func (m *Manager) DiscardState(ctx context.Context, state string) error {
	if state == "" {
		return nil
	}
	return m.states.DeleteState(ctx, m.provider, state)
}

// ExchangeCodeForTokens makes a single, unretried request to the token endpoint.
func (m *Manager) ExchangeCodeForTokens(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := m.conf.Exchange(m.clientContext(ctx), code)
	if err != nil {
		status, errCode, body := providerDetails(err)
		m.log.Warn("token exchange rejected",
			zap.String("provider", m.provider),
			zap.Int("status", status),
			zap.String("error_code", errCode),
			zap.String("body", body),
		)
		metrics.OAuthExchanges.WithLabelValues("authorization_code", "error").Inc()
		return nil, &TokenExchangeError{StatusCode: status, ErrorCode: errCode, Body: body, Err: err}
	}

	metrics.OAuthExchanges.WithLabelValues("authorization_code", "ok").Inc()
	return m.tokenSet(tok), nil
}

// RefreshAccessToken trades a refresh token for a new access token in a
// single, unretried request.
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := m.conf.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		status, errCode, body := providerDetails(err)
		m.log.Warn("token refresh rejected",
			zap.String("provider", m.provider),
			zap.Int("status", status),
			zap.String("error_code", errCode),
			zap.String("body", body),
		)
		metrics.OAuthExchanges.WithLabelValues("refresh_token", "error").Inc()
		return nil, &TokenRefreshError{StatusCode: status, ErrorCode: errCode, Body: body, Err: err}
	}

	metrics.OAuthExchanges.WithLabelValues("refresh_token", "ok").Inc()
	set := m.tokenSet(tok)
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

// CacheToken remembers token for userID for expiresIn seconds.
func (m *Manager) CacheToken(ctx context.Context, userID, token string, expiresIn int64) {
	ttl := time.Duration(expiresIn) * time.Second
	if err := m.tokens.Set(ctx, userID, token, ttl); err != nil {
		m.log.Warn("token cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// GetCachedToken never fails: a cache error is reported as a miss, which
// callers answer with a refresh.
func (m *Manager) GetCachedToken(ctx context.Context, userID string) (string, bool) {
	token, ok, err := m.tokens.Get(ctx, userID)
	if err != nil {
		m.log.Warn("token cache read failed", zap.String("user_id", userID), zap.Error(err))
		return "", false
	}
	return token, ok
}

// CheckRateLimit reports whether userID may make another attempt in the
// current window.
func (m *Manager) CheckRateLimit(userID string, limit int, window time.Duration) bool {
	if m.limiter.Allow(userID, limit, window) {
		return true
	}
	metrics.OAuthRateLimited.Inc()
	return false
}

// PurgeExpired deletes expired state records and forgets stale limiter
// windows and cache entries.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	now := m.now()
	m.limiter.Prune(now)
	if p, ok := m.tokens.(interface{ Prune(time.Time) int }); ok {
		p.Prune(now)
	}

	n, err := m.states.DeleteExpiredStates(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("purge oauth states: %w", err)
	}
	return n, nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) tokenSet(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
		TokenType:    tok.Type(),
	}
	if set.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		set.ExpiresIn = int64(tok.Expiry.Sub(m.now()).Round(time.Second) / time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}

func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
