package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/genbot/internal/models"
)

const taskColumns = `id, correlation_id, user_id, task_type, status, cost, input_ref, params, output_ref, error_message, created_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	if err := row.Scan(&t.ID, &t.CorrelationID, &t.UserID, &t.Type, &t.Status, &t.Cost, &t.InputRef, &t.Params, &t.OutputRef, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows, err error) ([]*models.Task, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO generation_tasks (correlation_id, user_id, task_type, status, cost, input_ref, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, t.CorrelationID, t.UserID, t.Type, t.Status, t.Cost, t.InputRef, t.Params).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// GetByCorrelationID returns nil, nil when no task carries the id.
func (r *TaskRepo) GetByCorrelationID(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID) (*models.Task, error) {
	t, err := scanTask(on(r.pool, tx).QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE correlation_id = $1`, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// UpdateStatusTx moves a task from one status to another. It reports false if
// the row was no longer in status from.
func (r *TaskRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID, from, to models.TaskStatus, outputRef, errMsg *string) (bool, error) {
	tag, err := on(r.pool, tx).Exec(ctx, `
		UPDATE generation_tasks
		SET status = $3,
		    output_ref = COALESCE($4, output_ref),
		    error_message = COALESCE($5, error_message),
		    updated_at = now()
		WHERE correlation_id = $1 AND status = $2
	`, correlationID, from, to, outputRef, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TaskRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Task, error) {
	return collectTasks(r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, limit))
}

func (r *TaskRepo) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return collectTasks(r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, status, limit))
}

func (r *TaskRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Task, error) {
	return collectTasks(r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE created_at >= $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, since, limit))
}

// ListStale returns tasks in status whose last update is older than before, oldest first.
func (r *TaskRepo) ListStale(ctx context.Context, status models.TaskStatus, before time.Time, limit int) ([]*models.Task, error) {
	return collectTasks(r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3
	`, status, before, limit))
}

// DeleteTerminalBefore removes completed and failed tasks created before cutoff.
func (r *TaskRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM generation_tasks
		WHERE created_at < $1 AND status IN ('completed', 'failed')
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *TaskRepo) CountNonTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generation_tasks
		WHERE created_at < $1 AND status IN ('pending', 'processing')
	`, cutoff).Scan(&n)
	return n, err
}

func (r *TaskRepo) Stats(ctx context.Context, since time.Time) (*models.TaskStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(cost), 0)
		FROM generation_tasks WHERE created_at >= $1 GROUP BY status
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := &models.TaskStats{}
	for rows.Next() {
		var status models.TaskStatus
		var count, cost int
		if err := rows.Scan(&status, &count, &cost); err != nil {
			return nil, err
		}
		stats.AddN(status, count, cost)
	}
	return stats, rows.Err()
}
