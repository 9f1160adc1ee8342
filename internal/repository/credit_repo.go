package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/genbot/internal/models"
)

// CreditRepo reads and appends credit_ledger rows. There is no update or delete.
type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO credit_ledger (user_id, delta, reason, description, balance_after)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, e.UserID, e.Delta, e.Reason, e.Description, e.BalanceAfter).Scan(&e.ID, &e.CreatedAt)
}

func (r *CreditRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, delta, reason, description, balance_after, created_at
		FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.Description, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// Totals returns the sum of positive deltas and the absolute sum of negative deltas.
func (r *CreditRepo) Totals(ctx context.Context, userID int64) (earned, spent int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta) FILTER (WHERE delta > 0), 0),
		       COALESCE(-SUM(delta) FILTER (WHERE delta < 0), 0)
		FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&earned, &spent)
	return earned, spent, err
}

func (r *CreditRepo) ExistsTx(ctx context.Context, tx pgx.Tx, userID int64, reason models.Reason, description string) (bool, error) {
	var exists bool
	err := on(r.pool, tx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE user_id = $1 AND reason = $2 AND description = $3)
	`, userID, reason, description).Scan(&exists)
	return exists, err
}
