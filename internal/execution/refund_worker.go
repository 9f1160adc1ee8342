package execution

import (
	"context"
	"errors"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/inaiurai/genbot/internal/models"
)

// RefundTaskWorker finishes refunds that could not be written inline. River
// keeps retrying with backoff until the refund lands.
type RefundTaskWorker struct {
	river.WorkerDefaults[RefundTaskArgs]
	tasks  TaskLifecycle
	logger *slog.Logger
}

func NewRefundTaskWorker(tasks TaskLifecycle, logger *slog.Logger) *RefundTaskWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundTaskWorker{tasks: tasks, logger: logger}
}

func (w *RefundTaskWorker) Work(ctx context.Context, job *river.Job[RefundTaskArgs]) error {
	ok, err := w.tasks.RecoverRefund(ctx, job.Args.CorrelationID, job.Args.Reason)
	if errors.Is(err, models.ErrNotFound) {
		w.logger.Error("refund recovery for unknown task", "correlation_id", job.Args.CorrelationID)
		return river.JobCancel(err)
	}
	if err != nil {
		w.logger.Error("refund recovery failed", "correlation_id", job.Args.CorrelationID, "attempt", job.Attempt, "error", err)
		return err
	}
	w.logger.Info("refund recovery finished", "correlation_id", job.Args.CorrelationID, "refunded", ok)
	return nil
}
