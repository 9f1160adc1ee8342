// Package billing ties task state to the credit ledger: paying for a task,
// completing it, and refunding it on failure.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/inaiurai/genbot/internal/events"
	"github.com/inaiurai/genbot/internal/execution"
	"github.com/inaiurai/genbot/internal/ledger"
	"github.com/inaiurai/genbot/internal/models"
	"github.com/inaiurai/genbot/internal/tasks"
)

// TxBeginner starts a database transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BalanceReader reads a user's cached balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, tx pgx.Tx, userID int64) (int, error)
}

// InsertJobTxFunc enqueues a background job inside tx. Provided by main using
// river.Client.InsertTx.
type InsertJobTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error

// RetryPolicy bounds inline retries of a refund. Delay doubles per attempt.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

var DefaultRefundRetry = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// Delay is the wait before retry number attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay << attempt
}

type Service interface {
	// CreateTaskWithPayment creates a pending task and debits its cost in one
	// transaction. Either both happen or neither does.
	CreateTaskWithPayment(ctx context.Context, userID int64, typ models.TaskType, cost int, inputRef string, params json.RawMessage) (*models.Task, error)
	StartProcessing(ctx context.Context, correlationID uuid.UUID) (bool, error)
	CompleteTask(ctx context.Context, correlationID uuid.UUID, outputRef string) (bool, error)
	// FailTask marks the task failed and refunds its cost. A task that is
	// already terminal is left alone and false is returned. ErrOrphanRecovery
	// means the refund was handed to a refund_task job; any other error means
	// no refund is owned by anyone and the caller must retry.
	FailTask(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error)
	// RecoverRefund is FailTask without inline retries or re-enqueueing, for
	// the background refund job.
	RecoverRefund(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error)
	GetTask(ctx context.Context, correlationID uuid.UUID) (*models.Task, error)
}

type service struct {
	db        TxBeginner
	balances  BalanceReader
	ledger    ledger.Service
	tasks     tasks.Store
	insertJob InsertJobTxFunc
	events    events.Publisher
	retry     RetryPolicy
	logger    *slog.Logger
}

// NewService wires the composite operation. insertJob is typically a closure
// over river.Client.InsertTx. Returns *service so it can be used as
// execution.TaskLifecycle by the workers.
func NewService(db TxBeginner, balances BalanceReader, ledgerSvc ledger.Service, store tasks.Store, insertJob InsertJobTxFunc, publisher events.Publisher, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &service{
		db:        db,
		balances:  balances,
		ledger:    ledgerSvc,
		tasks:     store,
		insertJob: insertJob,
		events:    publisher,
		retry:     DefaultRefundRetry,
		logger:    logger,
	}
}

var (
	_ Service                  = (*service)(nil)
	_ execution.TaskLifecycle = (*service)(nil)
)

func (s *service) CreateTaskWithPayment(ctx context.Context, userID int64, typ models.TaskType, cost int, inputRef string, params json.RawMessage) (*models.Task, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("%w: cost must be > 0", models.ErrValidation)
	}
	balance, err := s.balances.GetBalance(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	if balance < cost {
		return nil, fmt.Errorf("user %d has %d, task costs %d: %w", userID, balance, cost, models.ErrInsufficientBalance)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := s.tasks.Create(ctx, tx, userID, typ, cost, inputRef, params)
	if err != nil {
		return nil, err
	}
	// the ledger re-checks the balance; a concurrent debit may have won since the read above
	if _, err := s.ledger.Record(ctx, tx, userID, -cost, models.ReasonTaskCost, fmt.Sprintf("task %s", task.CorrelationID)); err != nil {
		return nil, err
	}
	if err := s.insertJob(ctx, tx, execution.SubmitImageArgs{CorrelationID: task.CorrelationID}); err != nil {
		return nil, fmt.Errorf("enqueue submission: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task %s: %w", task.CorrelationID, err)
	}

	s.logger.Info("task created", "correlation_id", task.CorrelationID, "user_id", userID, "type", typ, "cost", cost)
	events.PublishQuietly(ctx, s.events, s.logger, events.NewTaskEvent(events.TaskCreated, task))
	return task, nil
}

func (s *service) GetTask(ctx context.Context, correlationID uuid.UUID) (*models.Task, error) {
	task, err := s.tasks.GetByCorrelationID(ctx, nil, correlationID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", correlationID, models.ErrNotFound)
	}
	return task, nil
}

func (s *service) StartProcessing(ctx context.Context, correlationID uuid.UUID) (bool, error) {
	return s.tasks.SetStatus(ctx, nil, correlationID, models.TaskStatusProcessing, nil, nil)
}

func (s *service) CompleteTask(ctx context.Context, correlationID uuid.UUID, outputRef string) (bool, error) {
	if outputRef == "" {
		return false, fmt.Errorf("%w: output ref is required", models.ErrValidation)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	task, err := s.tasks.GetByCorrelationID(ctx, tx, correlationID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("task %s: %w", correlationID, models.ErrNotFound)
	}
	if task.Status.Terminal() {
		s.logger.Info("completion for finished task ignored", "correlation_id", correlationID, "status", task.Status)
		return false, nil
	}
	// a fast callback can beat the submit worker's pending -> processing write
	if task.Status == models.TaskStatusPending {
		ok, err := s.tasks.Transition(ctx, tx, task, models.TaskStatusProcessing, nil, nil)
		if err != nil || !ok {
			return false, err
		}
	}
	ok, err := s.tasks.Transition(ctx, tx, task, models.TaskStatusCompleted, &outputRef, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	task.OutputRef = &outputRef
	s.logger.Info("task completed", "correlation_id", correlationID, "user_id", task.UserID)
	events.PublishQuietly(ctx, s.events, s.logger, events.NewTaskEvent(events.TaskCompleted, task))
	return true, nil
}

func (s *service) FailTask(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error) {
	var lastErr error
retry:
	for attempt := 0; attempt < s.retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(s.retry.Delay(attempt - 1)):
			}
		}
		ok, err := s.failOnce(ctx, correlationID, errMsg)
		if err == nil {
			return ok, nil
		}
		if !retryableRefund(err) {
			return false, err
		}
		lastErr = err
		s.logger.Warn("refund attempt failed", "correlation_id", correlationID, "attempt", attempt+1, "error", err)
	}

	s.logger.Error("refund failed, handing to background recovery",
		"correlation_id", correlationID, "attempts", s.retry.Attempts, "error", lastErr)
	if err := s.enqueueRefund(ctx, correlationID, errMsg); err != nil {
		s.logger.Error("could not enqueue refund recovery", "correlation_id", correlationID, "error", err)
		// not ErrOrphanRecovery: nothing owns the refund yet, so the caller must keep it
		return false, fmt.Errorf("task %s: refund failed and recovery not queued: %w", correlationID, errors.Join(lastErr, err))
	}
	return false, fmt.Errorf("task %s: %w: %w", correlationID, models.ErrOrphanRecovery, lastErr)
}

func (s *service) RecoverRefund(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error) {
	return s.failOnce(ctx, correlationID, errMsg)
}

// failOnce writes the failed status and the refund in one transaction. The
// refund is only written by the caller whose status write won.
func (s *service) failOnce(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	task, err := s.tasks.GetByCorrelationID(ctx, tx, correlationID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("task %s: %w", correlationID, models.ErrNotFound)
	}
	if task.Status.Terminal() {
		s.logger.Info("failure for finished task ignored", "correlation_id", correlationID, "status", task.Status)
		return false, nil
	}
	ok, err := s.tasks.Transition(ctx, tx, task, models.TaskStatusFailed, nil, &errMsg)
	if err != nil || !ok {
		return false, err
	}
	if _, err := s.ledger.Record(ctx, tx, task.UserID, task.Cost, models.ReasonRefund, fmt.Sprintf("refund for task %s", correlationID)); err != nil {
		return false, fmt.Errorf("record refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	task.Error = &errMsg
	s.logger.Info("task failed and refunded", "correlation_id", correlationID, "user_id", task.UserID, "refund", task.Cost, "reason", errMsg)
	events.PublishQuietly(ctx, s.events, s.logger, events.NewTaskEvent(events.TaskFailed, task))
	return true, nil
}

func (s *service) enqueueRefund(ctx context.Context, correlationID uuid.UUID, errMsg string) error {
	// the caller's context may be the one that expired
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.insertJob(ctx, tx, execution.RefundTaskArgs{CorrelationID: correlationID, Reason: errMsg}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func retryableRefund(err error) bool {
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidStateTransition):
		return false
	}
	return true
}
