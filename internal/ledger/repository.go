package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/models"
)

// BalanceRepo reads and conditionally writes the cached balance on users.
type BalanceRepo interface {
	GetBalance(ctx context.Context, tx pgx.Tx, userID int64) (int, error)
	CompareAndSwapBalance(ctx context.Context, tx pgx.Tx, userID int64, oldBalance, newBalance int) (bool, error)
}

// EntryRepo is the append-only store of ledger entries.
type EntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error)
	Totals(ctx context.Context, userID int64) (earned, spent int, err error)
	// ExistsTx reports whether the user already has an entry with this reason
	// and description.
	ExistsTx(ctx context.Context, tx pgx.Tx, userID int64, reason models.Reason, description string) (bool, error)
}
