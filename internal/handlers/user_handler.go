package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/inaiurai/genbot/internal/ledger"
	"github.com/inaiurai/genbot/internal/models"
	"github.com/inaiurai/genbot/internal/users"
)

// TaskHistory lists a user's tasks, newest first.
type TaskHistory interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Task, error)
}

// UserHandler serves /v1/users endpoints.
type UserHandler struct {
	Users  users.Service
	Ledger ledger.Service
	Tasks  TaskHistory
	Logger *slog.Logger
}

type ensureUserResponse struct {
	User    *models.User `json:"user"`
	Created bool         `json:"created"`
}

// EnsureUser handles POST /v1/users. It answers 201 on first contact.
func (h *UserHandler) EnsureUser(w http.ResponseWriter, r *http.Request) {
	var p users.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteError(w, h.Logger, "decode user", fmt.Errorf("%w: invalid JSON", models.ErrValidation))
		return
	}
	u, created, err := h.Users.EnsureUser(r.Context(), p)
	if err != nil {
		WriteError(w, h.Logger, "ensure user", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, ensureUserResponse{User: u, Created: created})
}

// GetUser handles GET /v1/users/{id}.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r, h.Logger)
	if !ok {
		return
	}
	u, err := h.Users.Get(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, "get user", err)
		return
	}
	WriteJSON(w, http.StatusOK, u)
}

// DeactivateUser handles DELETE /v1/users/{id}.
func (h *UserHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r, h.Logger)
	if !ok {
		return
	}
	if err := h.Users.Deactivate(r.Context(), id); err != nil {
		WriteError(w, h.Logger, "deactivate user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ledgerResponse struct {
	UserID      int64                 `json:"user_id"`
	TotalEarned int                   `json:"total_earned"`
	TotalSpent  int                   `json:"total_spent"`
	Entries     []*models.LedgerEntry `json:"entries"`
}

// LedgerHistory handles GET /v1/users/{id}/ledger?limit=.
func (h *UserHandler) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r, h.Logger)
	if !ok {
		return
	}
	ctx := r.Context()
	entries, err := h.Ledger.History(ctx, id, queryInt(r, "limit", 0))
	if err != nil {
		WriteError(w, h.Logger, "ledger history", err)
		return
	}
	earned, err := h.Ledger.TotalEarned(ctx, id)
	if err != nil {
		WriteError(w, h.Logger, "ledger totals", err)
		return
	}
	spent, err := h.Ledger.TotalSpent(ctx, id)
	if err != nil {
		WriteError(w, h.Logger, "ledger totals", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	WriteJSON(w, http.StatusOK, ledgerResponse{UserID: id, TotalEarned: earned, TotalSpent: spent, Entries: entries})
}

// Audit handles GET /v1/users/{id}/audit.
func (h *UserHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r, h.Logger)
	if !ok {
		return
	}
	res, err := h.Ledger.Audit(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, "ledger audit", err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type userTasksResponse struct {
	UserID int64            `json:"user_id"`
	Stats  models.TaskStats `json:"stats"`
	Tasks  []*models.Task   `json:"tasks"`
}

// ListTasks handles GET /v1/users/{id}/tasks?limit=. Stats cover the returned page.
func (h *UserHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r, h.Logger)
	if !ok {
		return
	}
	list, err := h.Tasks.ListByUser(r.Context(), id, queryInt(r, "limit", 0))
	if err != nil {
		WriteError(w, h.Logger, "user tasks", err)
		return
	}
	resp := userTasksResponse{UserID: id, Tasks: list}
	if resp.Tasks == nil {
		resp.Tasks = []*models.Task{}
	}
	for _, t := range list {
		resp.Stats.AddN(t.Status, 1, t.Cost)
	}
	WriteJSON(w, http.StatusOK, resp)
}
