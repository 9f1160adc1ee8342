package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/imagegen"
	"github.com/inaiurai/genbot/internal/models"
	"github.com/inaiurai/genbot/internal/storage"
)

// MaxUploadSize bounds multipart task submissions.
const MaxUploadSize = 20 << 20

// TaskCreator is the composite task+payment operation.
type TaskCreator interface {
	CreateTaskWithPayment(ctx context.Context, userID int64, typ models.TaskType, cost int, inputRef string, params json.RawMessage) (*models.Task, error)
	GetTask(ctx context.Context, correlationID uuid.UUID) (*models.Task, error)
}

type BalanceReader interface {
	GetBalance(ctx context.Context, tx pgx.Tx, userID int64) (int, error)
}

// CostSource supplies the configured base price of an image task.
type CostSource interface {
	ImageBaseCost(ctx context.Context) int
}

// Uploads stores input images sent inline with a task.
type Uploads interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Tasks    TaskCreator
	Balances BalanceReader
	Costs    CostSource
	Uploads  Uploads
	Logger   *slog.Logger
}

// --- POST /v1/tasks ---

type createTaskRequest struct {
	UserID   int64           `json:"user_id"`
	Type     string          `json:"type"`
	InputRef string          `json:"input_ref"`
	Params   json.RawMessage `json:"params"`
	Cost     int             `json:"cost"`

	uploaded bool
}

type createTaskResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Cost          int    `json:"cost"`
	Balance       *int   `json:"balance,omitempty"`
}

// CreateTask handles POST /v1/tasks. The body is JSON referencing an already
// stored input, or multipart carrying the image itself.
// Parse -> Validate Params -> Price -> Pay + Create + Enqueue -> 202.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeCreate(r)
	if err != nil {
		WriteError(w, h.Logger, "decode task request", err)
		return
	}
	created := false
	if req.uploaded {
		// an image stored for a request that never became a task has no owner
		defer func() {
			if created {
				return
			}
			if err := h.Uploads.Delete(context.WithoutCancel(r.Context()), req.InputRef); err != nil {
				h.Logger.Warn("delete unused upload", "key", req.InputRef, "error", err)
			}
		}()
	}

	typ, err := models.ParseTaskType(req.Type)
	if err != nil {
		WriteError(w, h.Logger, "parse task type", err)
		return
	}
	if req.InputRef == "" {
		WriteError(w, h.Logger, "create task", fmt.Errorf("%w: input_ref or image is required", models.ErrValidation))
		return
	}
	params, err := imagegen.ParseParams(req.Params)
	if err != nil {
		WriteError(w, h.Logger, "validate params", err)
		return
	}
	cost := req.Cost
	if cost <= 0 {
		cost = imagegen.Cost(typ, params, h.Costs.ImageBaseCost(r.Context()))
	}

	task, err := h.Tasks.CreateTaskWithPayment(r.Context(), req.UserID, typ, cost, req.InputRef, params.JSON())
	if err != nil {
		WriteError(w, h.Logger, "create task", err)
		return
	}
	created = true

	resp := createTaskResponse{
		CorrelationID: task.CorrelationID.String(),
		Status:        string(task.Status),
		Cost:          task.Cost,
	}
	// the task is paid for and queued at this point; a failed read only drops the balance echo
	if balance, err := h.Balances.GetBalance(r.Context(), nil, req.UserID); err == nil {
		resp.Balance = &balance
	} else {
		h.Logger.Warn("read balance after task creation", "user_id", req.UserID, "error", err)
	}
	WriteJSON(w, http.StatusAccepted, resp)
}

func (h *TaskHandler) decodeCreate(r *http.Request) (*createTaskRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON: %v", models.ErrValidation, err)
		}
		return &req, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		return nil, fmt.Errorf("%w: invalid multipart body: %v", models.ErrValidation, err)
	}
	req := &createTaskRequest{
		Type:     r.FormValue("type"),
		InputRef: r.FormValue("input_ref"),
	}
	var err error
	if req.UserID, err = strconv.ParseInt(r.FormValue("user_id"), 10, 64); err != nil {
		return nil, fmt.Errorf("%w: invalid user_id", models.ErrValidation)
	}
	if v := r.FormValue("cost"); v != "" {
		if req.Cost, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%w: invalid cost", models.ErrValidation)
		}
	}
	if v := r.FormValue("params"); v != "" {
		req.Params = json.RawMessage(v)
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read image: %v", models.ErrValidation, err)
	}
	defer file.Close()
	ct := header.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: image must be an image/* upload", models.ErrValidation)
	}
	key := storage.NewKey("inputs", storage.ExtForContentType(ct))
	if err := h.Uploads.Put(r.Context(), key, ct, file, header.Size); err != nil {
		return nil, fmt.Errorf("store input image: %w", err)
	}
	req.InputRef = key
	req.uploaded = true
	return req, nil
}

// --- GET /v1/tasks/{correlation_id} ---

// GetTask handles GET /v1/tasks/{correlation_id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCorrelationID(w, r, h.Logger)
	if !ok {
		return
	}
	task, err := h.Tasks.GetTask(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, "get task", err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// --- helpers ---

func parseCorrelationID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("correlation_id"))
	if err != nil {
		WriteError(w, logger, "parse correlation id", fmt.Errorf("%w: invalid correlation id", models.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func pathUserID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, logger, "parse user id", fmt.Errorf("%w: invalid user id", models.ErrValidation))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return v
}

