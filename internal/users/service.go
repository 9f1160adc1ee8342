// Package users registers bot users on first contact and keeps their
// profile counters.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/ledger"
	"github.com/inaiurai/genbot/internal/models"
)

type Repository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByTelegramID(ctx context.Context, tx pgx.Tx, telegramID int64) (*models.User, error)
	UpdateProfile(ctx context.Context, u *models.User) error
	IncrementSessions(ctx context.Context, userID int64) error
	IncrementMessages(ctx context.Context, userID int64) error
	Deactivate(ctx context.Context, userID int64) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BonusSource yields the credits granted to a new user.
type BonusSource interface {
	SignupBonus(ctx context.Context) int
}

type Profile struct {
	TelegramID int64  `json:"telegram_id"`
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
}

type Service interface {
	// EnsureUser returns the user for p.TelegramID, creating it with the
	// signup bonus on first contact. created reports which case happened.
	EnsureUser(ctx context.Context, p Profile) (user *models.User, created bool, err error)
	Get(ctx context.Context, id int64) (*models.User, error)
	Deactivate(ctx context.Context, id int64) error
	CountMessage(ctx context.Context, id int64) error
}

type service struct {
	db     TxBeginner
	repo   Repository
	ledger ledger.Service
	bonus  BonusSource
	logger *slog.Logger
}

func NewService(db TxBeginner, repo Repository, ledgerSvc ledger.Service, bonus BonusSource, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{db: db, repo: repo, ledger: ledgerSvc, bonus: bonus, logger: logger}
}

var _ Service = (*service)(nil)

func (s *service) EnsureUser(ctx context.Context, p Profile) (*models.User, bool, error) {
	candidate, err := models.NewUser(p.TelegramID, p.Username, p.FirstName, p.LastName)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.repo.GetByTelegramID(ctx, nil, p.TelegramID)
	switch {
	case err == nil:
		u, err := s.returning(ctx, existing, candidate)
		return u, false, err
	case !errors.Is(err, models.ErrNotFound):
		return nil, false, err
	}

	created, err := s.create(ctx, candidate)
	if errors.Is(err, models.ErrDuplicate) {
		// Lost the race against a concurrent first contact.
		existing, err := s.repo.GetByTelegramID(ctx, nil, p.TelegramID)
		if err != nil {
			return nil, false, err
		}
		u, err := s.returning(ctx, existing, candidate)
		return u, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *service) create(ctx context.Context, u *models.User) (*models.User, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateTx(ctx, tx, u); err != nil {
		return nil, err
	}
	bonus := 0
	if s.bonus != nil {
		bonus = s.bonus.SignupBonus(ctx)
	}
	if bonus > 0 {
		entry, err := s.ledger.Record(ctx, tx, u.ID, bonus, models.ReasonSignupBonus, "welcome bonus")
		if err != nil {
			return nil, fmt.Errorf("signup bonus: %w", err)
		}
		u.Balance = entry.BalanceAfter
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("user registered", "user_id", u.ID, "telegram_id", u.TelegramID, "bonus", bonus)
	return u, nil
}

// returning refreshes the profile of a known user and counts a new session.
func (s *service) returning(ctx context.Context, existing, incoming *models.User) (*models.User, error) {
	existing.Username, existing.FirstName, existing.LastName = incoming.Username, incoming.FirstName, incoming.LastName
	if err := s.repo.UpdateProfile(ctx, existing); err != nil {
		return nil, err
	}
	if err := s.repo.IncrementSessions(ctx, existing.ID); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, existing.ID)
}

func (s *service) Get(ctx context.Context, id int64) (*models.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) Deactivate(ctx context.Context, id int64) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("user deactivated", "user_id", id)
	return nil
}

func (s *service) CountMessage(ctx context.Context, id int64) error {
	return s.repo.IncrementMessages(ctx, id)
}
