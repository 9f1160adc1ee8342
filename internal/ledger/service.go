package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/models"
)

// MaxCASAttempts bounds how often Record re-reads a balance that changed under it.
const MaxCASAttempts = 5

type Service interface {
	// Record appends an entry and applies delta to the user's balance within tx.
	Record(ctx context.Context, tx pgx.Tx, userID int64, delta int, reason models.Reason, description string) (*models.LedgerEntry, error)
	// RecordOnce is Record keyed by (reason, description): when such an entry
	// already exists nothing is written and false is returned.
	RecordOnce(ctx context.Context, tx pgx.Tx, userID int64, delta int, reason models.Reason, description string) (*models.LedgerEntry, bool, error)
	TotalEarned(ctx context.Context, userID int64) (int, error)
	TotalSpent(ctx context.Context, userID int64) (int, error)
	History(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error)
	Audit(ctx context.Context, userID int64) (*AuditResult, error)
}

// AuditResult compares the cached balance with the ledger. Drift is non-zero
// when the two have diverged.
type AuditResult struct {
	UserID        int64 `json:"user_id"`
	CachedBalance int   `json:"cached_balance"`
	LedgerSum     int   `json:"ledger_sum"`
	TotalEarned   int   `json:"total_earned"`
	TotalSpent    int   `json:"total_spent"`
	Drift         int   `json:"drift"`
}

type service struct {
	balances BalanceRepo
	entries  EntryRepo
	logger   *slog.Logger
	backoff  func(attempt int) time.Duration
}

func NewService(balances BalanceRepo, entries EntryRepo, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{balances: balances, entries: entries, logger: logger, backoff: casBackoff}
}

var _ Service = (*service)(nil)

func casBackoff(attempt int) time.Duration {
	base := time.Duration(attempt+1) * 5 * time.Millisecond
	return base + rand.N(5*time.Millisecond)
}

func (s *service) Record(ctx context.Context, tx pgx.Tx, userID int64, delta int, reason models.Reason, description string) (*models.LedgerEntry, error) {
	entry, err := models.NewLedgerEntry(userID, delta, reason, description)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < MaxCASAttempts; attempt++ {
		balance, err := s.balances.GetBalance(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		newBalance := balance + delta
		if newBalance < 0 {
			return nil, fmt.Errorf("user %d has %d, needs %d: %w", userID, balance, -delta, models.ErrInsufficientBalance)
		}
		ok, err := s.balances.CompareAndSwapBalance(ctx, tx, userID, balance, newBalance)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug("balance changed during update, retrying", "user_id", userID, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff(attempt)):
			}
			continue
		}
		entry.BalanceAfter = newBalance
		if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("insert ledger entry: %w", err)
		}
		return entry, nil
	}

	s.logger.Warn("balance update gave up", "user_id", userID, "delta", delta, "reason", reason)
	return nil, fmt.Errorf("user %d after %d attempts: %w", userID, MaxCASAttempts, models.ErrConcurrentModification)
}

func (s *service) RecordOnce(ctx context.Context, tx pgx.Tx, userID int64, delta int, reason models.Reason, description string) (*models.LedgerEntry, bool, error) {
	exists, err := s.entries.ExistsTx(ctx, tx, userID, reason, description)
	if err != nil {
		return nil, false, fmt.Errorf("check ledger entry: %w", err)
	}
	if exists {
		s.logger.Info("ledger entry already recorded", "user_id", userID, "reason", reason, "description", description)
		return nil, false, nil
	}
	entry, err := s.Record(ctx, tx, userID, delta, reason, description)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *service) TotalEarned(ctx context.Context, userID int64) (int, error) {
	earned, _, err := s.entries.Totals(ctx, userID)
	return earned, err
}

func (s *service) TotalSpent(ctx context.Context, userID int64) (int, error) {
	_, spent, err := s.entries.Totals(ctx, userID)
	return spent, err
}

func (s *service) History(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	return s.entries.ListByUser(ctx, userID, limit)
}

func (s *service) Audit(ctx context.Context, userID int64) (*AuditResult, error) {
	balance, err := s.balances.GetBalance(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	earned, spent, err := s.entries.Totals(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &AuditResult{
		UserID:        userID,
		CachedBalance: balance,
		LedgerSum:     earned - spent,
		TotalEarned:   earned,
		TotalSpent:    spent,
	}
	res.Drift = res.CachedBalance - res.LedgerSum
	if res.Drift != 0 {
		s.logger.Error("ledger drift detected", "user_id", userID, "cached", balance, "ledger_sum", res.LedgerSum)
	}
	return res, nil
}
