package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/inaiurai/genbot/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a domain error to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity, "invalid_parameters"
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, models.ErrMaintenance):
		return http.StatusServiceUnavailable, "maintenance"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// WriteError answers with one of the user-facing messages. Server errors are
// logged with full detail; the body never carries it.
func WriteError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		logger.Error(op, "error", err)
	} else {
		logger.Info(op, "status", status, "error", err)
	}
	WriteJSON(w, status, errorResponse{Error: models.UserMessage(err), Code: code})
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
