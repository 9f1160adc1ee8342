package execution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/genbot/internal/models"
)

const (
	DefaultStuckAfter = 30 * time.Minute
	// DefaultPendingAfter is far beyond the submission job's retry window, so
	// a task still pending by then has no live job that will move it.
	DefaultPendingAfter = 2 * time.Hour
	DefaultSweepPeriod  = 10 * time.Minute
	sweepBatch          = 100
)

// StaleLister finds tasks that have sat in one status for too long.
type StaleLister interface {
	ListStale(ctx context.Context, status models.TaskStatus, olderThan time.Duration, limit int) ([]*models.Task, error)
}

// SweepStuckTasksWorker fails and refunds tasks the image API never called
// back about, and paid tasks that never made it to the image API.
type SweepStuckTasksWorker struct {
	river.WorkerDefaults[SweepStuckTasksArgs]
	tasks        TaskLifecycle
	lister       StaleLister
	stuckAfter   time.Duration
	pendingAfter time.Duration
	logger       *slog.Logger
}

func NewSweepStuckTasksWorker(tasks TaskLifecycle, lister StaleLister, stuckAfter, pendingAfter time.Duration, logger *slog.Logger) *SweepStuckTasksWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	if pendingAfter <= 0 {
		pendingAfter = DefaultPendingAfter
	}
	return &SweepStuckTasksWorker{tasks: tasks, lister: lister, stuckAfter: stuckAfter, pendingAfter: pendingAfter, logger: logger}
}

// PeriodicJob schedules the sweep every period.
func PeriodicJob(period time.Duration) *river.PeriodicJob {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(period),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepStuckTasksArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

func (w *SweepStuckTasksWorker) Work(ctx context.Context, job *river.Job[SweepStuckTasksArgs]) error {
	stuck, err := w.lister.ListStale(ctx, models.TaskStatusProcessing, w.stuckAfter, sweepBatch)
	if err != nil {
		return err
	}
	failedStuck, errStuck := w.failAll(ctx, stuck, "timeout")

	// past pendingAfter the submission job is gone; without this the debit
	// would stay on the task forever
	pending, err := w.lister.ListStale(ctx, models.TaskStatusPending, w.pendingAfter, sweepBatch)
	if err != nil {
		return err
	}
	for _, t := range pending {
		w.logger.Warn("task pending past sweep threshold, failing", "correlation_id", t.CorrelationID, "user_id", t.UserID, "since", t.UpdatedAt)
	}
	failedPending, errPending := w.failAll(ctx, pending, "processing failed")

	w.logger.Info("stuck task sweep finished",
		"processing_stuck", len(stuck), "processing_failed", failedStuck,
		"pending_stuck", len(pending), "pending_failed", failedPending)
	return errors.Join(errStuck, errPending)
}

// failAll fails and refunds each task. A refund handed to a refund_task job
// counts as handled.
func (w *SweepStuckTasksWorker) failAll(ctx context.Context, list []*models.Task, reason string) (int, error) {
	failed := 0
	var firstErr error
	for _, t := range list {
		ok, err := w.tasks.FailTask(ctx, t.CorrelationID, reason)
		if err != nil && !errors.Is(err, models.ErrOrphanRecovery) {
			w.logger.Error("sweep could not fail task", "correlation_id", t.CorrelationID, "status", t.Status, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			failed++
		}
	}
	return failed, firstErr
}
