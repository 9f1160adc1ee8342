package models

import "errors"

var (
	// ErrValidation marks malformed input; no state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientBalance is returned when a debit would drive a balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidStateTransition is returned for a task status change outside the lifecycle.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrConcurrentModification is returned when the balance kept changing under us.
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrUpstreamTimeout        = errors.New("upstream timeout")
	ErrUpstream               = errors.New("upstream error")
	// ErrOrphanRecovery means a compensating step failed and was handed to the
	// out-of-band reconciler.
	ErrOrphanRecovery = errors.New("orphan recovery required")
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("already exists")
	// ErrMaintenance is returned while maintenance mode is on.
	ErrMaintenance = errors.New("maintenance mode")
)

const (
	MsgInsufficientCredits = "insufficient credits"
	MsgInvalidParameters   = "invalid parameters"
	MsgGenericFailure      = "something went wrong, please try again later"
	MsgMaintenance         = "the service is under maintenance, please try again later"
)

// UserMessage maps an error to the only texts an end user is allowed to see.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return MsgInsufficientCredits
	case errors.Is(err, ErrValidation):
		return MsgInvalidParameters
	case errors.Is(err, ErrMaintenance):
		return MsgMaintenance
	default:
		return MsgGenericFailure
	}
}

// Retryable reports whether the caller may retry the operation as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstream)
}
