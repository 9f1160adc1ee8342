package execution

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// SubmitMaxAttempts caps submission retries so an unreachable image API ends
// in fail-with-refund within minutes rather than river's default schedule.
const SubmitMaxAttempts = 5

// SubmitImageArgs hands a freshly paid task to the image API.
type SubmitImageArgs struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
}

func (SubmitImageArgs) Kind() string { return "submit_image" }

func (SubmitImageArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: SubmitMaxAttempts}
}

// RefundTaskArgs retries a refund that failed inline.
type RefundTaskArgs struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Reason        string    `json:"reason"`
}

func (RefundTaskArgs) Kind() string { return "refund_task" }

// RefundChatArgs returns a chat message charge that could not be refunded
// inline. Ref identifies the charged message.
type RefundChatArgs struct {
	UserID int64  `json:"user_id"`
	Amount int    `json:"amount"`
	Ref    string `json:"ref"`
}

func (RefundChatArgs) Kind() string { return "refund_chat" }

// SweepStuckTasksArgs triggers one pass over tasks stuck in processing.
type SweepStuckTasksArgs struct{}

func (SweepStuckTasksArgs) Kind() string { return "sweep_stuck_tasks" }
