package execution

import (
	"context"

	"github.com/google/uuid"

	"github.com/inaiurai/genbot/internal/models"
)

// TaskLifecycle is what the workers need from the billing layer to move a task
// along and refund it.
type TaskLifecycle interface {
	GetTask(ctx context.Context, correlationID uuid.UUID) (*models.Task, error)
	StartProcessing(ctx context.Context, correlationID uuid.UUID) (bool, error)
	FailTask(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error)
	RecoverRefund(ctx context.Context, correlationID uuid.UUID, errMsg string) (bool, error)
}
