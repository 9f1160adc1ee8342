package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/models"
)

// Repository is the persistence the task store needs. A nil tx means "outside
// any transaction".
type Repository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByCorrelationID(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID) (*models.Task, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID, from, to models.TaskStatus, outputRef, errMsg *string) (bool, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Task, error)
	ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Task, error)
	ListStale(ctx context.Context, status models.TaskStatus, before time.Time, limit int) ([]*models.Task, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountNonTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context, since time.Time) (*models.TaskStats, error)
}
