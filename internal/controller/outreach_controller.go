// internal/controller/outreach_controller.go
package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/handler"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/service"
)

// OutreachController serves the write side of the API.
type OutreachController struct {
	Service *service.OutreachService
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", appErrors.ErrInvalidRequest, err)
	}
	return nil
}

// Enroll starts a contact on the campaign in the URL.
func (c *OutreachController) Enroll(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	var body struct {
		ContactID string `json:"contact_id"`
	}
	if err := decode(r, &body); err != nil {
		handler.WriteError(w, err)
		return
	}
	if strings.TrimSpace(body.ContactID) == "" {
		handler.WriteError(w, fmt.Errorf("%w: contact_id required", appErrors.ErrInvalidRequest))
		return
	}

	id, err := c.Service.EnrollContact(r.Context(), campaignID, body.ContactID)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, map[string]string{
		"enrollment_id": id,
		"campaign_id":   campaignID,
		"contact_id":    body.ContactID,
	})
}

// ScheduleFollowup plans an SMS for the enrollment. The body is either
// literal content or a template with {placeholder} variables.
func (c *OutreachController) ScheduleFollowup(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")
	var body struct {
		Content     string            `json:"content"`
		Template    string            `json:"template"`
		Vars        map[string]string `json:"vars"`
		ScheduledAt *time.Time        `json:"scheduled_at"`
	}
	if err := decode(r, &body); err != nil {
		handler.WriteError(w, err)
		return
	}
	content := body.Content
	if body.Template != "" {
		content = service.RenderTemplate(body.Template, body.Vars)
	}

	id, err := c.Service.ScheduleFollowupMessage(r.Context(), enrollmentID, content, body.ScheduledAt)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	if id == nil {
		handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"scheduled":     false,
			"enrollment_id": enrollmentID,
			"reason":        "no active enrollment",
		})
		return
	}
	handler.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"scheduled":     true,
		"enrollment_id": enrollmentID,
		"attempt_id":    *id,
		"content":       content,
	})
}

// LogOutcome stages a provider result and applies it immediately.
func (c *OutreachController) LogOutcome(w http.ResponseWriter, r *http.Request) {
	var o model.StagedOutcome
	if err := decode(r, &o); err != nil {
		handler.WriteError(w, err)
		return
	}
	id, err := c.Service.LogSingleOutcomeAndAdvance(r.Context(), o)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	staged, err := c.Service.Staging.GetStaged(r.Context(), id)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"staging_id": id,
		"processed":  staged.Processed,
		"note":       staged.Note,
	})
}

// StageOutcome only stages a provider result for the ingest worker.
func (c *OutreachController) StageOutcome(w http.ResponseWriter, r *http.Request) {
	var o model.StagedOutcome
	if err := decode(r, &o); err != nil {
		handler.WriteError(w, err)
		return
	}
	id, err := c.Service.StageOutcome(r.Context(), o)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, map[string]int64{"staging_id": id})
}

// Ingest processes one batch of staged outcomes.
func (c *OutreachController) Ingest(w http.ResponseWriter, r *http.Request) {
	batch := 0
	if s := r.URL.Query().Get("batch_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			handler.WriteError(w, fmt.Errorf("%w: batch_size must be a positive integer", appErrors.ErrInvalidRequest))
			return
		}
		batch = n
	}
	n, err := c.Service.IngestStagedOutcomes(r.Context(), batch)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]int{"processed": n})
}

// RefreshSnapshots rebuilds the delivery state view.
func (c *OutreachController) RefreshSnapshots(w http.ResponseWriter, r *http.Request) {
	n, err := c.Service.RefreshSnapshot(r.Context())
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]int{"refreshed": n})
}
