package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store owns generation task records and enforces the status lifecycle.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, userID int64, typ models.TaskType, cost int, inputRef string, params json.RawMessage) (*models.Task, error)
	// GetByCorrelationID returns nil, nil when the task does not exist.
	GetByCorrelationID(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID) (*models.Task, error)
	// SetStatus reports false when another writer moved the task first.
	SetStatus(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID, status models.TaskStatus, outputRef, errMsg *string) (bool, error)
	// Transition moves t from the status it was read with. t.Status is updated on success.
	Transition(ctx context.Context, tx pgx.Tx, t *models.Task, to models.TaskStatus, outputRef, errMsg *string) (bool, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Task, error)
	ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	ListRecent(ctx context.Context, hours, limit int) ([]*models.Task, error)
	ListStale(ctx context.Context, status models.TaskStatus, olderThan time.Duration, limit int) ([]*models.Task, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	Stats(ctx context.Context, since time.Time) (*models.TaskStats, error)
}

type store struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(repo Repository, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &store{repo: repo, logger: logger, now: time.Now}
}

var _ Store = (*store)(nil)

// NormalizeLimit applies the default and the cap to a caller-supplied limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func (s *store) Create(ctx context.Context, tx pgx.Tx, userID int64, typ models.TaskType, cost int, inputRef string, params json.RawMessage) (*models.Task, error) {
	t, err := models.NewTask(userID, typ, cost, inputRef, params)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateTx(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *store) GetByCorrelationID(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID) (*models.Task, error) {
	return s.repo.GetByCorrelationID(ctx, tx, correlationID)
}

func (s *store) SetStatus(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID, status models.TaskStatus, outputRef, errMsg *string) (bool, error) {
	t, err := s.repo.GetByCorrelationID(ctx, tx, correlationID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, fmt.Errorf("task %s: %w", correlationID, models.ErrNotFound)
	}
	return s.Transition(ctx, tx, t, status, outputRef, errMsg)
}

func (s *store) Transition(ctx context.Context, tx pgx.Tx, t *models.Task, to models.TaskStatus, outputRef, errMsg *string) (bool, error) {
	if !models.CanTransition(t.Status, to) {
		s.logger.Warn("rejected task status transition",
			"correlation_id", t.CorrelationID,
			"task_id", t.ID,
			"user_id", t.UserID,
			"from", t.Status,
			"to", to,
		)
		return false, fmt.Errorf("task %s %s -> %s: %w", t.CorrelationID, t.Status, to, models.ErrInvalidStateTransition)
	}
	ok, err := s.repo.UpdateStatusTx(ctx, tx, t.CorrelationID, t.Status, to, outputRef, errMsg)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	if !ok {
		s.logger.Info("task status changed concurrently", "correlation_id", t.CorrelationID, "expected", t.Status, "to", to)
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (s *store) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Task, error) {
	return s.repo.ListByUser(ctx, userID, NormalizeLimit(limit))
}

func (s *store) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return s.repo.ListByStatus(ctx, status, NormalizeLimit(limit))
}

func (s *store) ListRecent(ctx context.Context, hours, limit int) ([]*models.Task, error) {
	if hours <= 0 {
		hours = 24
	}
	since := s.now().Add(-time.Duration(hours) * time.Hour)
	return s.repo.ListSince(ctx, since, NormalizeLimit(limit))
}

func (s *store) ListStale(ctx context.Context, status models.TaskStatus, olderThan time.Duration, limit int) ([]*models.Task, error) {
	return s.repo.ListStale(ctx, status, s.now().Add(-olderThan), NormalizeLimit(limit))
}

func (s *store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", models.ErrValidation)
	}
	cutoff := s.now().AddDate(0, 0, -days)

	stuck, err := s.repo.CountNonTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if stuck > 0 {
		s.logger.Warn("non-terminal tasks older than purge cutoff left in place", "count", stuck, "cutoff", cutoff)
	}

	n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	s.logger.Info("purged old tasks", "deleted", n, "days", days)
	return n, nil
}

func (s *store) Stats(ctx context.Context, since time.Time) (*models.TaskStats, error) {
	return s.repo.Stats(ctx, since)
}
