package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/genbot/internal/imagegen"
	"github.com/inaiurai/genbot/internal/models"
)

// Submitter sends a task's input to the image API.
type Submitter interface {
	Submit(ctx context.Context, req imagegen.SubmitRequest) (*imagegen.SubmitResult, error)
}

// InputStore fetches uploaded inputs by key.
type InputStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// RefundSnooze is how long a submission job waits before retrying a refund
// that had no owner.
const RefundSnooze = time.Minute

// SubmitImageWorker posts a pending task to the image API and marks it
// processing. Transient failures are retried by river; the last failed
// attempt fails the task and refunds it.
type SubmitImageWorker struct {
	river.WorkerDefaults[SubmitImageArgs]
	tasks     TaskLifecycle
	inputs    InputStore
	submitter Submitter
	logger    *slog.Logger
}

func NewSubmitImageWorker(tasks TaskLifecycle, inputs InputStore, submitter Submitter, logger *slog.Logger) *SubmitImageWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitImageWorker{tasks: tasks, inputs: inputs, submitter: submitter, logger: logger}
}

func (w *SubmitImageWorker) Timeout(*river.Job[SubmitImageArgs]) time.Duration {
	return 45 * time.Second
}

func (w *SubmitImageWorker) Work(ctx context.Context, job *river.Job[SubmitImageArgs]) error {
	id := job.Args.CorrelationID
	task, err := w.tasks.GetTask(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return river.JobCancel(err)
	}
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPending {
		w.logger.Info("task already past submission", "correlation_id", id, "status", task.Status)
		return nil
	}

	params, err := imagegen.ParseParams(task.Params)
	if err != nil {
		return w.failJob(ctx, job, "invalid input")
	}

	input, err := w.inputs.Get(ctx, task.InputRef)
	if err != nil {
		return w.retryOrFail(ctx, job, fmt.Errorf("fetch input: %w", err))
	}
	defer input.Close()

	res, err := w.submitter.Submit(ctx, imagegen.SubmitRequest{
		CorrelationID: id,
		Type:          task.Type,
		Image:         input,
		Filename:      path.Base(task.InputRef),
		Params:        params,
	})
	if errors.Is(err, imagegen.ErrRejected) {
		w.logger.Warn("image api rejected task", "correlation_id", id, "error", err)
		return w.failJob(ctx, job, "invalid input")
	}
	if err != nil {
		return w.retryOrFail(ctx, job, err)
	}

	w.logger.Info("task submitted", "correlation_id", id, "queue_num", res.QueueNum, "api_balance", res.APIBalance)
	// Never return an error past this point: a retry would submit (and pay
	// for) the image again. A task left pending is finished by its callback,
	// which accepts pending tasks, or by the stale-pending sweep.
	if _, err := w.tasks.StartProcessing(ctx, id); err != nil && !errors.Is(err, models.ErrInvalidStateTransition) {
		w.logger.Error("submitted task not marked processing", "correlation_id", id, "error", err)
	}
	return nil
}

func (w *SubmitImageWorker) retryOrFail(ctx context.Context, job *river.Job[SubmitImageArgs], err error) error {
	if job.Attempt < job.MaxAttempts {
		w.logger.Warn("submission failed, will retry", "correlation_id", job.Args.CorrelationID, "attempt", job.Attempt, "error", err)
		return err
	}
	msg := "processing failed"
	if errors.Is(err, models.ErrUpstreamTimeout) {
		msg = "timeout"
	}
	w.logger.Error("submission failed on last attempt", "correlation_id", job.Args.CorrelationID, "error", err)
	return w.failJob(ctx, job, msg)
}

// failJob refunds the task. A refund handed to a refund_task job counts as
// done for this job. Otherwise nothing owns the refund yet, so the job is
// snoozed (which does not spend an attempt) and tries again later.
func (w *SubmitImageWorker) failJob(ctx context.Context, job *river.Job[SubmitImageArgs], reason string) error {
	_, err := w.tasks.FailTask(ctx, job.Args.CorrelationID, reason)
	if err != nil && !errors.Is(err, models.ErrOrphanRecovery) {
		w.logger.Error("submission failed and task could not be refunded, snoozing",
			"correlation_id", job.Args.CorrelationID, "reason", reason, "error", err)
		return river.JobSnooze(RefundSnooze)
	}
	return nil
}
