// Package dashboard serves the operator endpoints under /v1/admin.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/genbot/internal/handlers"
	"github.com/inaiurai/genbot/internal/imagegen"
	"github.com/inaiurai/genbot/internal/models"
)

const (
	defaultRecentHours = 24
	defaultPurgeDays   = 30
	defaultStatsDays   = 7
	manualFailReason   = "cancelled by operator"
)

type TaskQuery interface {
	ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	ListRecent(ctx context.Context, hours, limit int) ([]*models.Task, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	Stats(ctx context.Context, since time.Time) (*models.TaskStats, error)
}

type TaskFailer interface {
	FailTask(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error)
}

// Provider is the image API's account surface.
type Provider interface {
	Balance(ctx context.Context) (float64, error)
	Status(ctx context.Context, correlationID uuid.UUID) (*imagegen.QueueStatus, error)
}

type RuntimeConfig interface {
	All(ctx context.Context) []models.ConfigEntry
	Set(ctx context.Context, key, value string) error
	Refresh(ctx context.Context) error
}

type Handler struct {
	tasks    TaskQuery
	failer   TaskFailer
	provider Provider
	config   RuntimeConfig
	now      func() time.Time
	log      *slog.Logger
}

func NewHandler(tasks TaskQuery, failer TaskFailer, provider Provider, config RuntimeConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{tasks: tasks, failer: failer, provider: provider, config: config, now: time.Now, log: log}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// GET /v1/admin/tasks?status=&hours=&limit=
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	var (
		list []*models.Task
		err  error
	)
	if s := r.URL.Query().Get("status"); s != "" {
		status, perr := models.ParseTaskStatus(s)
		if perr != nil {
			handlers.WriteError(w, h.log, "list tasks", perr)
			return
		}
		list, err = h.tasks.ListByStatus(r.Context(), status, limit)
	} else {
		list, err = h.tasks.ListRecent(r.Context(), queryInt(r, "hours", defaultRecentHours), limit)
	}
	if err != nil {
		handlers.WriteError(w, h.log, "list tasks", err)
		return
	}
	if list == nil {
		list = []*models.Task{}
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

// GET /v1/admin/tasks/stats?days=
func (h *Handler) TaskStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultStatsDays)
	stats, err := h.tasks.Stats(r.Context(), h.now().AddDate(0, 0, -days))
	if err != nil {
		handlers.WriteError(w, h.log, "task stats", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"days": days, "stats": stats})
}

// POST /v1/admin/tasks/purge?days=
func (h *Handler) PurgeTasks(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultPurgeDays)
	n, err := h.tasks.PurgeOlderThan(r.Context(), days)
	if err != nil {
		handlers.WriteError(w, h.log, "purge tasks", err)
		return
	}
	h.log.Info("tasks purged", "days", days, "deleted", n)
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"days": days, "deleted": n})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/admin/tasks/{correlation_id}/fail
func (h *Handler) FailTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("correlation_id"))
	if err != nil {
		handlers.WriteError(w, h.log, "fail task", fmt.Errorf("%w: invalid correlation id", models.ErrValidation))
		return
	}
	req := failRequest{Reason: manualFailReason}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			handlers.WriteError(w, h.log, "fail task", fmt.Errorf("%w: invalid JSON", models.ErrValidation))
			return
		}
		if req.Reason == "" {
			req.Reason = manualFailReason
		}
	}
	changed, err := h.failer.FailTask(r.Context(), id, req.Reason)
	if err != nil {
		handlers.WriteError(w, h.log, "fail task", err)
		return
	}
	h.log.Info("task failed by operator", "correlation_id", id, "changed", changed)
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"correlation_id": id, "changed": changed})
}

// GET /v1/admin/provider/balance
func (h *Handler) ProviderBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.provider.Balance(r.Context())
	if err != nil {
		handlers.WriteError(w, h.log, "provider balance", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}

// GET /v1/admin/provider/status/{correlation_id}
func (h *Handler) ProviderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("correlation_id"))
	if err != nil {
		handlers.WriteError(w, h.log, "provider status", fmt.Errorf("%w: invalid correlation id", models.ErrValidation))
		return
	}
	st, err := h.provider.Status(r.Context(), id)
	if err != nil {
		handlers.WriteError(w, h.log, "provider status", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, st)
}

// GET /v1/admin/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, h.config.All(r.Context()))
}

type setConfigRequest struct {
	Value string `json:"value"`
}

// PUT /v1/admin/config/{key}
func (h *Handler) SetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.WriteError(w, h.log, "set config", fmt.Errorf("%w: invalid JSON", models.ErrValidation))
		return
	}
	if err := h.config.Set(r.Context(), key, req.Value); err != nil {
		handlers.WriteError(w, h.log, "set config", err)
		return
	}
	h.log.Info("runtime config changed", "key", key, "value", req.Value)
	handlers.WriteJSON(w, http.StatusOK, models.ConfigEntry{Key: key, Value: req.Value, UpdatedAt: h.now()})
}

// POST /v1/admin/config/refresh
func (h *Handler) RefreshConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Refresh(r.Context()); err != nil {
		handlers.WriteError(w, h.log, "refresh config", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, h.config.All(r.Context()))
}
