package memstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/models"
)

type Users struct{ db *DB }

func (db *DB) Users() *Users { return &Users{db: db} }

// Seed inserts a user holding balance together with the matching ledger
// entry, so the ledger stays consistent.
func (u *Users) Seed(telegramID int64, balance int) *models.User {
	db := u.db
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.now()
	user := &models.User{ID: db.id(), TelegramID: telegramID, Balance: balance, IsActive: true, CreatedAt: now, UpdatedAt: now}
	db.users[user.ID] = user
	if balance != 0 {
		db.entries = append(db.entries, &models.LedgerEntry{
			ID: db.id(), UserID: user.ID, Delta: balance, Reason: models.ReasonSignupBonus,
			Description: "seed", BalanceAfter: balance, CreatedAt: now,
		})
	}
	cp := *user
	return &cp
}

// SetBalance overwrites the cached balance without a ledger entry.
func (u *Users) SetBalance(userID int64, balance int) {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	if user, ok := u.db.users[userID]; ok {
		user.Balance = balance
	}
}

func (u *Users) CreateTx(ctx context.Context, tx pgx.Tx, user *models.User) error {
	db := u.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.users {
		if existing.TelegramID == user.TelegramID {
			return fmt.Errorf("telegram_id %d: %w", user.TelegramID, models.ErrDuplicate)
		}
	}
	now := db.now()
	user.ID = db.id()
	user.Balance = 0
	user.IsActive = true
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	db.users[user.ID] = &cp
	id := user.ID
	journal(tx, func() { delete(db.users, id) })
	return nil
}

func (u *Users) get(userID int64) (*models.User, error) {
	user, ok := u.db.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
	}
	return user, nil
}

func (u *Users) GetByID(ctx context.Context, id int64) (*models.User, error) {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	user, err := u.get(id)
	if err != nil {
		return nil, err
	}
	cp := *user
	return &cp, nil
}

func (u *Users) GetByTelegramID(ctx context.Context, tx pgx.Tx, telegramID int64) (*models.User, error) {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	for _, user := range u.db.users {
		if user.TelegramID == telegramID {
			cp := *user
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (u *Users) UpdateProfile(ctx context.Context, user *models.User) error {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	stored, err := u.get(user.ID)
	if err != nil {
		return err
	}
	stored.Username, stored.FirstName, stored.LastName = user.Username, user.FirstName, user.LastName
	stored.IsActive = true
	stored.UpdatedAt = u.db.now()
	return nil
}

func (u *Users) GetBalance(ctx context.Context, tx pgx.Tx, userID int64) (int, error) {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	user, err := u.get(userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

func (u *Users) CompareAndSwapBalance(ctx context.Context, tx pgx.Tx, userID int64, oldBalance, newBalance int) (bool, error) {
	db := u.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault("users.cas"); err != nil {
		if err == ErrConflict {
			return false, nil
		}
		return false, err
	}
	user, err := u.get(userID)
	if err != nil {
		return false, err
	}
	if user.Balance != oldBalance {
		return false, nil
	}
	user.Balance = newBalance
	delta := newBalance - oldBalance
	journal(tx, func() {
		if user, ok := db.users[userID]; ok {
			user.Balance -= delta
		}
	})
	return true, nil
}

func (u *Users) IncrementSessions(ctx context.Context, userID int64) error {
	return u.mutate(userID, func(user *models.User) { user.SessionCount++ })
}

func (u *Users) IncrementMessages(ctx context.Context, userID int64) error {
	return u.mutate(userID, func(user *models.User) { user.MessagesSent++ })
}

func (u *Users) Deactivate(ctx context.Context, userID int64) error {
	return u.mutate(userID, func(user *models.User) { user.IsActive = false })
}

func (u *Users) mutate(userID int64, fn func(*models.User)) error {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	user, err := u.get(userID)
	if err != nil {
		return err
	}
	fn(user)
	user.UpdatedAt = u.db.now()
	return nil
}
