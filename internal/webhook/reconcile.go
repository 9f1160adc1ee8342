// Package webhook turns image API callbacks into task completions and refunds.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/inaiurai/genbot/internal/lock"
	"github.com/inaiurai/genbot/internal/models"
	"github.com/inaiurai/genbot/internal/storage"
)

// MinResultFileSize is the smallest uploaded result accepted as real output.
const MinResultFileSize = 1024

var (
	idFields     = []string{"id_gen", "idGeneration", "task_id"}
	resultFields = []string{"result_url", "image_url", "video_url", "url"}
	fileFields   = []string{"res_image", "result_image", "res_video"}
	errorFields  = []string{"error", "error_message", "message", "img_message"}
)

// TaskFinisher moves tasks to a terminal state.
type TaskFinisher interface {
	GetTask(ctx context.Context, correlationID uuid.UUID) (*models.Task, error)
	CompleteTask(ctx context.Context, correlationID uuid.UUID, outputRef string) (bool, error)
	FailTask(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error)
}

// Action says what a callback did.
type Action string

const (
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionDuplicate Action = "duplicate"
	ActionIgnored   Action = "ignored"
	ActionRejected  Action = "rejected"
)

// Outcome is the result of one callback. OK is what the provider is told.
type Outcome struct {
	OK            bool
	Action        Action
	CorrelationID string
	Detail        string
}

type Reconciler struct {
	tasks  TaskFinisher
	store  storage.Store
	locker lock.Locker
	logger *slog.Logger
}

func NewReconciler(tasks TaskFinisher, store storage.Store, locker lock.Locker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Reconciler{tasks: tasks, store: store, locker: locker, logger: logger}
}

// CorrelationID picks the task id from the first populated id field.
func CorrelationID(p *Payload) string {
	for _, k := range idFields {
		if v := p.get(k); v != "" {
			return v
		}
	}
	return ""
}

type statusClass int

const (
	statusUnknown statusClass = iota
	statusSuccess
	statusFailure
)

func classifyStatus(s string) statusClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "200", "completed", "success":
		return statusSuccess
	case "500", "failed", "error":
		return statusFailure
	default:
		return statusUnknown
	}
}

var simplified = []struct{ match, text string }{
	{"processing failed", "processing failed"},
	{"invalid input", "invalid input"},
	{"face not detected", "face not detected"},
	{"format not supported", "format not supported"},
	{"timeout", "processing timed out"},
	{"system error", "system error"},
}

// SimplifyError reduces a provider error to a short phrase safe to store and
// show to the user.
func SimplifyError(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return "processing failed"
	}
	lower := strings.ToLower(msg)
	for _, m := range simplified {
		if strings.Contains(lower, m.match) {
			return m.text
		}
	}
	if utf8.RuneCountInString(msg) > 50 {
		return "processing failed: " + string([]rune(msg)[:50]) + "..."
	}
	return "processing failed: " + msg
}

func errorText(p *Payload) string {
	for _, k := range errorFields {
		if v := p.get(k); v != "" {
			return v
		}
	}
	return "task failed"
}

// Reconcile applies one callback. It never panics on malformed input; every
// problem becomes a failed Outcome and a log line.
func (rc *Reconciler) Reconcile(ctx context.Context, p *Payload) Outcome {
	raw := CorrelationID(p)
	status := p.get("status")
	log := rc.logger.With("correlation_id", raw, "status", status)

	if raw == "" {
		log.Error("callback without task id", "fields", fieldNames(p))
		return Outcome{Action: ActionRejected, Detail: "missing task id"}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		log.Error("callback with malformed task id")
		return Outcome{Action: ActionRejected, CorrelationID: raw, Detail: "malformed task id"}
	}

	release, err := rc.locker.Acquire(ctx, "webhook:"+id.String())
	if err != nil {
		// the conditional status write still guards duplicates
		log.Warn("callback lock unavailable, continuing", "error", err)
		release = func() {}
	}
	defer release()

	task, err := rc.tasks.GetTask(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		log.Error("callback for unknown task")
		return Outcome{Action: ActionRejected, CorrelationID: raw, Detail: "unknown task"}
	}
	if err != nil {
		log.Error("callback task lookup failed", "error", err)
		return Outcome{Action: ActionRejected, CorrelationID: raw, Detail: "lookup failed"}
	}
	if task.Status.Terminal() {
		log.Info("duplicate callback for finished task", "task_status", task.Status)
		return Outcome{OK: true, Action: ActionDuplicate, CorrelationID: raw}
	}

	switch classifyStatus(status) {
	case statusSuccess:
		return rc.succeed(ctx, log, task, p)
	case statusFailure:
		original := errorText(p)
		msg := SimplifyError(original)
		log.Info("provider reported failure", "error", original, "simplified", msg)
		return rc.fail(ctx, log, task, msg, true)
	default:
		log.Warn("callback with unknown status ignored")
		return Outcome{OK: true, Action: ActionIgnored, CorrelationID: raw, Detail: "unknown status " + status}
	}
}

func (rc *Reconciler) succeed(ctx context.Context, log *slog.Logger, task *models.Task, p *Payload) Outcome {
	ref, err := rc.resultRef(ctx, task, p)
	if err != nil {
		log.Error("storing callback result failed", "error", err)
		return rc.fail(ctx, log, task, "system error", false)
	}
	if ref == "" {
		log.Error("success callback without a result")
		return rc.fail(ctx, log, task, "result missing", false)
	}

	ok, err := rc.tasks.CompleteTask(ctx, task.CorrelationID, ref)
	if err != nil {
		log.Error("completing task failed", "error", err)
		return Outcome{Action: ActionRejected, CorrelationID: task.CorrelationID.String(), Detail: "complete failed"}
	}
	if !ok {
		return Outcome{OK: true, Action: ActionDuplicate, CorrelationID: task.CorrelationID.String()}
	}
	return Outcome{OK: true, Action: ActionCompleted, CorrelationID: task.CorrelationID.String(), Detail: ref}
}

// fail refunds the task. okOnSuccess is false when the callback claimed
// success but could not be honored.
func (rc *Reconciler) fail(ctx context.Context, log *slog.Logger, task *models.Task, msg string, okOnSuccess bool) Outcome {
	id := task.CorrelationID.String()
	ok, err := rc.tasks.FailTask(ctx, task.CorrelationID, msg)
	if err != nil {
		log.Error("failing task failed", "error", err, "orphan_recovery", errors.Is(err, models.ErrOrphanRecovery))
		return Outcome{Action: ActionRejected, CorrelationID: id, Detail: "refund pending"}
	}
	if !ok {
		return Outcome{OK: true, Action: ActionDuplicate, CorrelationID: id}
	}
	return Outcome{OK: okOnSuccess, Action: ActionFailed, CorrelationID: id, Detail: msg}
}

// resultRef returns a result URL from the payload, or stores an uploaded
// result file and returns its key.
func (rc *Reconciler) resultRef(ctx context.Context, task *models.Task, p *Payload) (string, error) {
	for _, k := range resultFields {
		if v := p.get(k); v != "" {
			return v, nil
		}
	}
	for _, k := range fileFields {
		f, ok := p.Files[k]
		if !ok {
			continue
		}
		if len(f.Data) < MinResultFileSize {
			rc.logger.Warn("result file too small, ignored", "correlation_id", task.CorrelationID, "field", k, "size", len(f.Data))
			continue
		}
		if rc.store == nil {
			return "", fmt.Errorf("no object store for uploaded result")
		}
		ext := storage.ExtForContentType(f.ContentType)
		if ext == "" {
			ext = path.Ext(f.Filename)
		}
		key := storage.NewKey("results/"+string(task.Type), ext)
		if err := rc.store.Put(ctx, key, f.ContentType, bytes.NewReader(f.Data), int64(len(f.Data))); err != nil {
			return "", err
		}
		return key, nil
	}
	return "", nil
}

func fieldNames(p *Payload) []string {
	names := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		names = append(names, k)
	}
	return names
}
