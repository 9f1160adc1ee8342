package models

import (
	"fmt"
	"time"
)

// Reason tags why a ledger entry exists.
type Reason string

const (
	ReasonSignupBonus Reason = "signup_bonus"
	ReasonTaskCost    Reason = "task_cost"
	ReasonRefund      Reason = "refund"
	ReasonChatCost    Reason = "chat_cost"
	ReasonPayment     Reason = "payment"
	ReasonCheckin     Reason = "checkin"
	ReasonAdminAdjust Reason = "admin_adjust"
)

var validReasons = map[Reason]bool{
	ReasonSignupBonus: true,
	ReasonTaskCost:    true,
	ReasonRefund:      true,
	ReasonChatCost:    true,
	ReasonPayment:     true,
	ReasonCheckin:     true,
	ReasonAdminAdjust: true,
}

// ParseReason rejects reason tags outside the enumerated set.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !validReasons[r] {
		return "", fmt.Errorf("%w: unknown ledger reason %q", ErrValidation, s)
	}
	return r, nil
}

// LedgerEntry is one immutable balance change. Entries are never updated or
// deleted once written.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Delta        int       `json:"delta"`
	Reason       Reason    `json:"reason"`
	Description  string    `json:"description"`
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewLedgerEntry builds an entry for userID. BalanceAfter is filled in by the
// ledger once the balance update succeeds.
func NewLedgerEntry(userID int64, delta int, reason Reason, description string) (*LedgerEntry, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", ErrValidation)
	}
	if delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrValidation)
	}
	if !validReasons[reason] {
		return nil, fmt.Errorf("%w: unknown ledger reason %q", ErrValidation, reason)
	}
	return &LedgerEntry{
		UserID:      userID,
		Delta:       delta,
		Reason:      reason,
		Description: description,
	}, nil
}
