package models

import (
	"fmt"
	"time"
)

// User is a bot user identified by their Telegram account. Balance is a
// cached projection of the credit ledger.
type User struct {
	ID           int64     `json:"id"`
	TelegramID   int64     `json:"telegram_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Balance      int       `json:"balance"`
	SessionCount int       `json:"session_count"`
	MessagesSent int       `json:"messages_sent"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewUser validates the identity fields of a first-contact user.
func NewUser(telegramID int64, username, firstName, lastName string) (*User, error) {
	if telegramID <= 0 {
		return nil, fmt.Errorf("%w: telegram_id must be positive", ErrValidation)
	}
	return &User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
		IsActive:   true,
	}, nil
}

// DisplayName returns the best human-readable name available.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.Username != "":
		return "@" + u.Username
	default:
		return fmt.Sprintf("user %d", u.TelegramID)
	}
}
