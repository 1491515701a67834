package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"Mailflow/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tokenEndpoint struct {
	hits   atomic.Int32
	status int
	body   string
	last   url.Values
	mu     sync.Mutex
}

func (e *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.hits.Add(1)
	_ = r.ParseForm()
	e.mu.Lock()
	e.last = r.PostForm
	e.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	_, _ = w.Write([]byte(e.body))
}

func (e *tokenEndpoint) form() url.Values {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func newTestManager(t *testing.T, endpoint http.Handler, clock *fakeClock) (*Manager, *MemoryStateStore) {
	t.Helper()
	if endpoint == nil {
		endpoint = http.NotFoundHandler()
	}
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	states := NewMemoryStateStore()
	m, err := NewManager(Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost:8080/api/integrations/google/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/spreadsheets.readonly"},
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		States:       states,
		HTTPClient:   srv.Client(),
		Logger:       zaptest.NewLogger(t),
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, states
}

func TestNewManagerRequiresCredentials(t *testing.T) {
	base := Options{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost/cb",
		AuthURL:      "http://idp/auth",
		TokenURL:     "http://idp/token",
		States:       NewMemoryStateStore(),
	}

	cases := map[string]func(*Options){
		"client id":     func(o *Options) { o.ClientID = "" },
		"client secret": func(o *Options) { o.ClientSecret = "" },
		"redirect uri":  func(o *Options) { o.RedirectURI = "" },
		"token url":     func(o *Options) { o.TokenURL = "" },
		"state store":   func(o *Options) { o.States = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			if _, err := NewManager(opts); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
		})
	}

	if _, err := NewManager(base); err != nil {
		t.Fatalf("complete options rejected: %v", err)
	}
}

func TestIssueAuthorizationURL(t *testing.T) {
	clock := newFakeClock()
	m, states := newTestManager(t, nil, clock)

	req, err := m.IssueAuthorizationURL(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL: %v", err)
	}
	if len(req.State) < 40 {
		t.Fatalf("state %q too short", req.State)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"state":         req.State,
		"access_type":   "offline",
		"prompt":        "consent",
		"response_type": "code",
		"client_id":     "client-id",
		"scope":         "https://www.googleapis.com/auth/spreadsheets.readonly",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}

	rec, err := states.GetState(context.Background(), ProviderGoogle, req.State)
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if rec.Used || rec.UserID != "user-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.ExpiresAt.Equal(clock.Now().Add(DefaultStateTTL)) {
		t.Fatalf("expiresAt = %v, want now+600s", rec.ExpiresAt)
	}

	other, err := m.IssueAuthorizationURL(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL: %v", err)
	}
	if other.State == req.State {
		t.Fatal("two authorizations share a state")
	}
}

func TestConsumeStateRedeemsOnce(t *testing.T) {
	ctx := context.Background()
	m, states := newTestManager(t, nil, newFakeClock())

	req, err := m.IssueAuthorizationURL(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL: %v", err)
	}

	rec, err := m.ConsumeState(ctx, req.State)
	if err != nil {
		t.Fatalf("first ConsumeState: %v", err)
	}
	if !rec.Used || rec.UsedAt == nil || rec.UserID != "user-1" {
		t.Fatalf("unexpected redeemed record %+v", rec)
	}

	stored, _ := states.GetState(ctx, ProviderGoogle, req.State)
	if !stored.Used {
		t.Fatal("store not marked used")
	}

	if _, err := m.ConsumeState(ctx, req.State); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("replay err = %v, want ErrUnauthorized", err)
	}
}

func TestConsumeStateRejections(t *testing.T) {
	ctx := context.Background()
	m, states := newTestManager(t, nil, newFakeClock())

	req, err := m.IssueAuthorizationURL(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL: %v", err)
	}

	for _, state := range []string{"", "unknown", req.State + "x", req.State[:len(req.State)-1]} {
		if _, err := m.ConsumeState(ctx, state); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("ConsumeState(%q) err = %v, want ErrUnauthorized", state, err)
		}
	}

	foreign := &models.OAuthState{
		Provider:  "github",
		State:     "gh-state",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	_ = states.SaveState(ctx, foreign)
	if _, err := m.ConsumeState(ctx, foreign.State); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("other provider's state err = %v, want ErrUnauthorized", err)
	}

	if _, err := m.ConsumeState(ctx, req.State); err != nil {
		t.Fatalf("issued state rejected after failed attempts: %v", err)
	}
}

func TestConsumeStateExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, states := newTestManager(t, nil, clock)

	req, err := m.IssueAuthorizationURL(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL: %v", err)
	}

	clock.Advance(DefaultStateTTL)
	if _, err := m.ConsumeState(ctx, req.State); err != nil {
		t.Fatalf("state at exactly expiresAt rejected: %v", err)
	}

	late, err := m.IssueAuthorizationURL(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL: %v", err)
	}
	clock.Advance(DefaultStateTTL + time.Second)

	_, err = m.ConsumeState(ctx, late.State)
	if !errors.Is(err, ErrStateExpired) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrStateExpired wrapping ErrUnauthorized", err)
	}

	rec, _ := states.GetState(ctx, ProviderGoogle, late.State)
	if rec == nil || rec.Used {
		t.Fatal("expired state must stay unused for the sweeper")
	}

	n, err := m.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 2 || states.Len() != 0 {
		t.Fatalf("purged %d, %d left; want 2 purged, 0 left", n, states.Len())
	}
}

func TestConsumeStateConcurrentCallbacks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, newFakeClock())

	req, err := m.IssueAuthorizationURL(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL: %v", err)
	}

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ConsumeState(ctx, req.State); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("state redeemed %d times, want 1", ok.Load())
	}
}

func TestDiscardState(t *testing.T) {
	ctx := context.Background()
	m, states := newTestManager(t, nil, newFakeClock())

	req, _ := m.IssueAuthorizationURL(ctx, "user-1")
	if err := m.DiscardState(ctx, req.State); err != nil {
		t.Fatalf("DiscardState: %v", err)
	}
	if states.Len() != 0 {
		t.Fatal("state still stored")
	}
	if _, err := m.ConsumeState(ctx, req.State); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("discarded state err = %v, want ErrUnauthorized", err)
	}
}

func TestExchangeCodeForTokens(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusOK,
		body: `{"access_token":"ya29.access","refresh_token":"1//refresh","expires_in":3599,` +
			`"token_type":"Bearer","scope":"https://www.googleapis.com/auth/spreadsheets.readonly"}`,
	}
	m, _ := newTestManager(t, endpoint, newFakeClock())

	set, err := m.ExchangeCodeForTokens(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("ExchangeCodeForTokens: %v", err)
	}
	if set.AccessToken != "ya29.access" || set.RefreshToken != "1//refresh" {
		t.Fatalf("unexpected tokens %+v", set)
	}
	if set.ExpiresIn != 3599 || set.TokenType != "Bearer" {
		t.Fatalf("expiresIn/tokenType = %d/%s", set.ExpiresIn, set.TokenType)
	}
	if set.Scope != "https://www.googleapis.com/auth/spreadsheets.readonly" {
		t.Fatalf("scope = %q", set.Scope)
	}

	form := endpoint.form()
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "auth-code" {
		t.Fatalf("unexpected form %v", form)
	}
	if form.Get("client_id") != "client-id" || form.Get("client_secret") != "client-secret" {
		t.Fatalf("credentials not sent in params: %v", form)
	}
}

func TestExchangeCodeForTokensSingleAttempt(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_grant","error_description":"Bad Request"}`,
	}
	m, _ := newTestManager(t, endpoint, newFakeClock())

	_, err := m.ExchangeCodeForTokens(context.Background(), "stale-code")

	var exErr *TokenExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("err = %v, want *TokenExchangeError", err)
	}
	if exErr.StatusCode != http.StatusBadRequest || exErr.ErrorCode != "invalid_grant" {
		t.Fatalf("status/code = %d/%s", exErr.StatusCode, exErr.ErrorCode)
	}
	if exErr.Body != endpoint.body {
		t.Fatalf("body = %q, want provider body", exErr.Body)
	}
	if hits := endpoint.hits.Load(); hits != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", hits)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"ya29.fresh","expires_in":3599,"token_type":"Bearer","scope":"openid"}`,
	}
	m, _ := newTestManager(t, endpoint, newFakeClock())

	set, err := m.RefreshAccessToken(context.Background(), "1//refresh")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if set.AccessToken != "ya29.fresh" || set.Scope != "openid" || set.ExpiresIn != 3599 {
		t.Fatalf("unexpected token set %+v", set)
	}
	if set.RefreshToken != "" {
		t.Fatalf("refresh token echoed back: %q", set.RefreshToken)
	}

	form := endpoint.form()
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "1//refresh" {
		t.Fatalf("unexpected form %v", form)
	}
}

func TestRefreshAccessTokenRejected(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusUnauthorized,
		body:   `{"error":"invalid_client"}`,
	}
	m, _ := newTestManager(t, endpoint, newFakeClock())

	_, err := m.RefreshAccessToken(context.Background(), "revoked")

	var rfErr *TokenRefreshError
	if !errors.As(err, &rfErr) {
		t.Fatalf("err = %v, want *TokenRefreshError", err)
	}
	if rfErr.StatusCode != http.StatusUnauthorized || rfErr.ErrorCode != "invalid_client" {
		t.Fatalf("status/code = %d/%s", rfErr.StatusCode, rfErr.ErrorCode)
	}
	if endpoint.hits.Load() != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", endpoint.hits.Load())
	}
}

func TestCachedTokenThroughManager(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, _ := newTestManager(t, nil, clock)

	if _, ok := m.GetCachedToken(ctx, "user-1"); ok {
		t.Fatal("hit on empty cache")
	}

	m.CacheToken(ctx, "user-1", "ya29.access", 60)
	if tok, ok := m.GetCachedToken(ctx, "user-1"); !ok || tok != "ya29.access" {
		t.Fatalf("GetCachedToken = %q, %v", tok, ok)
	}

	clock.Advance(61 * time.Second)
	if _, ok := m.GetCachedToken(ctx, "user-1"); ok {
		t.Fatal("expired token returned")
	}
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (brokenCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenCache) Delete(context.Context, string) error { return nil }

func TestCacheErrorsAreMisses(t *testing.T) {
	m, err := NewManager(Options{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost/cb",
		AuthURL:      "http://idp/auth",
		TokenURL:     "http://idp/token",
		States:       NewMemoryStateStore(),
		Tokens:       brokenCache{},
		Logger:       zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.CacheToken(context.Background(), "user-1", "tok", 60)
	if _, ok := m.GetCachedToken(context.Background(), "user-1"); ok {
		t.Fatal("broken cache reported a hit")
	}
}

func TestCheckRateLimitPerUser(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, nil, clock)

	for i := 0; i < 3; i++ {
		if !m.CheckRateLimit("user-1", 3, time.Minute) {
			t.Fatalf("attempt %d rejected", i+1)
		}
	}
	if m.CheckRateLimit("user-1", 3, time.Minute) {
		t.Fatal("4th attempt allowed")
	}
	if !m.CheckRateLimit("user-2", 3, time.Minute) {
		t.Fatal("other user throttled")
	}
}
