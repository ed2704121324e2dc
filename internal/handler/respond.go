package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", "error", err)
	}
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, appErrors.ErrInvalidRequest):
		return http.StatusBadRequest
	case appErrors.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, appErrors.ErrEnrollmentNotFound), errors.Is(err, appErrors.ErrStagedNotFound):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrLockNotAcquired), errors.Is(err, appErrors.ErrStagedAlreadyClaimed),
		errors.Is(err, appErrors.ErrStaleEnrollment):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as {"error": "..."} with the mapped status.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
