package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"Mailflow/internal/campaign"
	"Mailflow/internal/metrics"
	"Mailflow/internal/models"
	"Mailflow/internal/oauth"
)

const (
	userHeader  = "X-User-ID"
	maxJSONBody = 1 << 20
)

type CampaignService interface {
	Create(ctx context.Context, in campaign.CreateInput) (*models.Campaign, error)
	Get(ctx context.Context, id string) (*campaign.Details, error)
	Send(ctx context.Context, id string, recipients []campaign.Recipient) (*campaign.SendResult, error)
	Pause(ctx context.Context, id string) (*models.Campaign, error)
	Resume(ctx context.Context, id string) (*models.Campaign, error)
	Cancel(ctx context.Context, id string) (*models.Campaign, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, campaignID string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionStore keeps the refresh tokens obtained by the OAuth callback.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, c *models.OAuthConnection) error
	GetConnection(ctx context.Context, userID, provider string) (*models.OAuthConnection, error)
}

type Handler struct {
	Campaigns  CampaignService
	Reconciler Reconciler
	DB         Pinger

	// OAuth is nil when the Google client credentials are not configured.
	OAuth       *oauth.Manager
	Connections ConnectionStore
	OAuthLimit  int
	OAuthWindow time.Duration
	AppURL      string

	MaxCSVRows int
	Log        *zap.Logger
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)
	r.Use(h.requestLogger)

	r.Get("/health", h.Health)
	r.Get("/health/db", h.HealthDB)

	r.Route("/api/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/{id}", h.GetCampaign)
		r.Post("/{id}/send", h.SendCampaign)
		r.Post("/{id}/pause", h.PauseCampaign)
		r.Post("/{id}/resume", h.ResumeCampaign)
		r.Post("/{id}/cancel", h.CancelCampaign)
	})

	r.Post("/internal/campaigns/{id}/reconcile", h.ReconcileCampaign)

	r.Route("/api/integrations/google", func(r chi.Router) {
		r.Get("/auth-url", h.AuthURL)
		r.Get("/callback", h.Callback)
		r.Post("/token", h.ExchangeToken)
		r.Post("/refresh", h.RefreshToken)
		r.Get("/access-token", h.AccessToken)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// campaignError maps service errors onto HTTP statuses. Unknown errors are
// logged and reported without detail.
func (h *Handler) campaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, campaign.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrInvalidInput), errors.Is(err, campaign.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Log.Error("campaign request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v. On failure it writes the 400
// or 413 itself and reports false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
