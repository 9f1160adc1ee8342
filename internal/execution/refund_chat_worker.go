package execution

import (
	"context"
	"errors"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/inaiurai/genbot/internal/models"
)

// ChatRefunder writes a chat refund at most once per message reference.
type ChatRefunder interface {
	RecoverRefund(ctx context.Context, userID int64, amount int, ref string) (bool, error)
}

// RefundChatWorker finishes chat refunds that failed inline.
type RefundChatWorker struct {
	river.WorkerDefaults[RefundChatArgs]
	chat   ChatRefunder
	logger *slog.Logger
}

func NewRefundChatWorker(chat ChatRefunder, logger *slog.Logger) *RefundChatWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundChatWorker{chat: chat, logger: logger}
}

func (w *RefundChatWorker) Work(ctx context.Context, job *river.Job[RefundChatArgs]) error {
	args := job.Args
	ok, err := w.chat.RecoverRefund(ctx, args.UserID, args.Amount, args.Ref)
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
		w.logger.Error("chat refund cannot be applied", "user_id", args.UserID, "ref", args.Ref, "error", err)
		return river.JobCancel(err)
	}
	if err != nil {
		w.logger.Error("chat refund recovery failed", "user_id", args.UserID, "ref", args.Ref, "attempt", job.Attempt, "error", err)
		return err
	}
	w.logger.Info("chat refund recovery finished", "user_id", args.UserID, "ref", args.Ref, "amount", args.Amount, "refunded", ok)
	return nil
}
