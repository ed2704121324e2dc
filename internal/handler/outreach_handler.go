// internal/handler/outreach_handler.go
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/smsleopard-outreach/internal/service"
)

// OutreachHandler serves the read side of the API.
type OutreachHandler struct {
	Service *service.OutreachService
	// Ping checks the backing store; nil means always healthy.
	Ping func(ctx context.Context) error
}

// GetEnrollmentState returns the enrollment, its delivery state and attempts
func (h *OutreachHandler) GetEnrollmentState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := h.Service.State(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// GetHistory lists every enrollment of a contact in a campaign, oldest first
func (h *OutreachHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "contact")
	campaignID := chi.URLParam(r, "campaign")
	history, err := h.Service.History(r.Context(), contactID, campaignID)
	if err != nil {
		WriteError(w, err)
		return
	}
	active := ""
	if e := history.Active(); e != nil {
		active = e.ID
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"contact_id":  history.ContactID,
		"campaign_id": history.CampaignID,
		"active_id":   active,
		"entries":     history.Entries,
	})
}

func (h *OutreachHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
