package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"Mailflow/internal/campaign"
	"Mailflow/internal/csvparser"
)

const maxSendBody = 10 << 20

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}

	c, err := h.Campaigns.Create(r.Context(), in)
	if err != nil {
		h.campaignError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	d, err := h.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.campaignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type sendRequest struct {
	Recipients []campaign.Recipient `json:"recipients"`
}

// SendCampaign accepts either {"recipients": [...]} or a text/csv upload with
// an Email column.
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBody)

	var recipients []campaign.Recipient

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/csv" {
		rows, err := csvparser.ParseRecipients(r.Body, h.MaxCSVRows)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		recipients = rows
	} else {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		recipients = req.Recipients
	}

	res, err := h.Campaigns.Send(r.Context(), chi.URLParam(r, "id"), recipients)
	if err != nil {
		h.campaignError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.campaignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.campaignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.campaignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ReconcileCampaign is called by external queue mutators after they change
// entry statuses.
func (h *Handler) ReconcileCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Reconciler.Reconcile(r.Context(), id); err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		h.Log.Error("reconcile hook failed", zap.String("campaign_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
