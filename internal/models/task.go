package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a generation task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ParseTaskStatus rejects unknown status strings.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown task status %q", ErrValidation, s)
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskType tags what kind of generation a task performs.
type TaskType string

const (
	TaskTypeImage    TaskType = "image"
	TaskTypeVideo    TaskType = "video"
	TaskTypeFaceSwap TaskType = "faceswap"
)

// ParseTaskType rejects unknown task types.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case TaskTypeImage, TaskTypeVideo, TaskTypeFaceSwap:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown task type %q", ErrValidation, s)
}

// Task is a generation request. Cost is captured at creation and is the
// authoritative amount for refunds.
type Task struct {
	ID            int64           `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	UserID        int64           `json:"user_id"`
	Type          TaskType        `json:"type"`
	Status        TaskStatus      `json:"status"`
	Cost          int             `json:"cost"`
	InputRef      string          `json:"input_ref"`
	Params        json.RawMessage `json:"params,omitempty"`
	OutputRef     *string         `json:"output_ref,omitempty"`
	Error         *string         `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewTask returns a pending task with a fresh correlation id.
func NewTask(userID int64, typ TaskType, cost int, inputRef string, params json.RawMessage) (*Task, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", ErrValidation)
	}
	if _, err := ParseTaskType(string(typ)); err != nil {
		return nil, err
	}
	if cost <= 0 {
		return nil, fmt.Errorf("%w: cost must be > 0", ErrValidation)
	}
	if inputRef == "" {
		return nil, fmt.Errorf("%w: input_ref is required", ErrValidation)
	}
	return &Task{
		CorrelationID: uuid.New(),
		UserID:        userID,
		Type:          typ,
		Status:        TaskStatusPending,
		Cost:          cost,
		InputRef:      inputRef,
		Params:        params,
	}, nil
}

// TaskStats aggregates task counts over a window.
type TaskStats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	CreditsUsed int     `json:"credits_used"`
	SuccessRate float64 `json:"success_rate"`
}

// AddN counts n tasks in status whose costs sum to cost.
func (s *TaskStats) AddN(status TaskStatus, n, cost int) {
	s.Total += n
	switch status {
	case TaskStatusPending:
		s.Pending += n
	case TaskStatusProcessing:
		s.Processing += n
	case TaskStatusCompleted:
		s.Completed += n
		s.CreditsUsed += cost
	case TaskStatusFailed:
		s.Failed += n
	}
	if done := s.Completed + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Completed) / float64(done)
	}
}
