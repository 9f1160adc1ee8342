package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

type TokenRequest struct {
	Subject string `json:"subject"`
	Key     string `json:"key"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Token handles POST /v1/auth/token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Subject == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "missing subject or key")
		return
	}
	token, claims, err := h.svc.Exchange(r.Context(), req.Subject, req.Key)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.log.Warn("token exchange rejected", "subject", req.Subject)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.Error("token exchange failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token exchange failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(TokenResponse{Token: token, Role: claims.Role, ExpiresAt: claims.Expires})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
