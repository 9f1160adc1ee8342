package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/genbot/internal/models"
)

const userColumns = `id, telegram_id, username, first_name, last_name, balance, session_count, messages_sent, is_active, created_at, updated_at`

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.Balance, &u.SessionCount, &u.MessagesSent, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateTx inserts a user with a zero balance. Credits only arrive through the ledger.
func (r *UserRepo) CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO users (telegram_id, username, first_name, last_name, balance, is_active)
		VALUES ($1, $2, $3, $4, 0, TRUE)
		RETURNING id, balance, is_active, created_at, updated_at
	`, u.TelegramID, u.Username, u.FirstName, u.LastName).Scan(&u.ID, &u.Balance, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("telegram_id %d: %w", u.TelegramID, models.ErrDuplicate)
	}
	return err
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByTelegramID(ctx context.Context, tx pgx.Tx, telegramID int64) (*models.User, error) {
	return scanUser(on(r.pool, tx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID))
}

// UpdateProfile refreshes the Telegram-provided name fields and reactivates the user.
func (r *UserRepo) UpdateProfile(ctx context.Context, u *models.User) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET username = $2, first_name = $3, last_name = $4, is_active = TRUE, updated_at = now()
		WHERE id = $1
	`, u.ID, u.Username, u.FirstName, u.LastName)
	return err
}

func (r *UserRepo) GetBalance(ctx context.Context, tx pgx.Tx, userID int64) (int, error) {
	var balance int
	err := on(r.pool, tx).QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
	}
	return balance, err
}

// CompareAndSwapBalance writes newBalance only if the row still holds oldBalance.
func (r *UserRepo) CompareAndSwapBalance(ctx context.Context, tx pgx.Tx, userID int64, oldBalance, newBalance int) (bool, error) {
	tag, err := on(r.pool, tx).Exec(ctx, `
		UPDATE users SET balance = $3, updated_at = now()
		WHERE id = $1 AND balance = $2
	`, userID, oldBalance, newBalance)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *UserRepo) IncrementSessions(ctx context.Context, userID int64) error {
	return r.touch(ctx, `UPDATE users SET session_count = session_count + 1, updated_at = now() WHERE id = $1`, userID)
}

func (r *UserRepo) IncrementMessages(ctx context.Context, userID int64) error {
	return r.touch(ctx, `UPDATE users SET messages_sent = messages_sent + 1, updated_at = now() WHERE id = $1`, userID)
}

func (r *UserRepo) Deactivate(ctx context.Context, userID int64) error {
	return r.touch(ctx, `UPDATE users SET is_active = FALSE, updated_at = now() WHERE id = $1`, userID)
}

func (r *UserRepo) touch(ctx context.Context, sql string, userID int64) error {
	tag, err := r.pool.Exec(ctx, sql, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
	}
	return nil
}
