package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/models"
)

type Tasks struct{ db *DB }

func (db *DB) Tasks() *Tasks { return &Tasks{db: db} }

func (t *Tasks) find(correlationID uuid.UUID) *models.Task {
	for _, task := range t.db.tasks {
		if task.CorrelationID == correlationID {
			return task
		}
	}
	return nil
}

func clone(task *models.Task) *models.Task {
	cp := *task
	return &cp
}

func (t *Tasks) CreateTx(ctx context.Context, tx pgx.Tx, task *models.Task) error {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault("tasks.create"); err != nil {
		return err
	}
	now := db.now()
	task.ID = db.id()
	task.CreatedAt, task.UpdatedAt = now, now
	db.tasks = append(db.tasks, clone(task))
	id := task.ID
	journal(tx, func() {
		for i, stored := range db.tasks {
			if stored.ID == id {
				db.tasks = append(db.tasks[:i], db.tasks[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (t *Tasks) GetByCorrelationID(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID) (*models.Task, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	task := t.find(correlationID)
	if task == nil {
		return nil, nil
	}
	return clone(task), nil
}

func (t *Tasks) UpdateStatusTx(ctx context.Context, tx pgx.Tx, correlationID uuid.UUID, from, to models.TaskStatus, outputRef, errMsg *string) (bool, error) {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault("tasks.update"); err != nil {
		return false, err
	}
	task := t.find(correlationID)
	if task == nil || task.Status != from {
		return false, nil
	}
	prev := clone(task)
	task.Status = to
	if outputRef != nil {
		task.OutputRef = outputRef
	}
	if errMsg != nil {
		task.Error = errMsg
	}
	task.UpdatedAt = db.now()
	journal(tx, func() {
		if stored := t.find(correlationID); stored != nil {
			*stored = *prev
		}
	})
	return true, nil
}

func (t *Tasks) filter(limit int, keep func(*models.Task) bool) []*models.Task {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	var list []*models.Task
	for _, task := range t.db.tasks {
		if keep(task) {
			list = append(list, clone(task))
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

func (t *Tasks) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Task, error) {
	return t.filter(limit, func(task *models.Task) bool { return task.UserID == userID }), nil
}

func (t *Tasks) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return t.filter(limit, func(task *models.Task) bool { return task.Status == status }), nil
}

func (t *Tasks) ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Task, error) {
	return t.filter(limit, func(task *models.Task) bool { return !task.CreatedAt.Before(since) }), nil
}

func (t *Tasks) ListStale(ctx context.Context, status models.TaskStatus, before time.Time, limit int) ([]*models.Task, error) {
	list := t.filter(0, func(task *models.Task) bool { return task.Status == status && task.UpdatedAt.Before(before) })
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.Before(list[j].UpdatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (t *Tasks) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	var kept []*models.Task
	var n int64
	for _, task := range t.db.tasks {
		if task.CreatedAt.Before(cutoff) && task.Status.Terminal() {
			n++
			continue
		}
		kept = append(kept, task)
	}
	t.db.tasks = kept
	return n, nil
}

func (t *Tasks) CountNonTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return len(t.filter(0, func(task *models.Task) bool {
		return task.CreatedAt.Before(cutoff) && !task.Status.Terminal()
	})), nil
}

func (t *Tasks) Stats(ctx context.Context, since time.Time) (*models.TaskStats, error) {
	stats := &models.TaskStats{}
	for _, task := range t.filter(0, func(task *models.Task) bool { return !task.CreatedAt.Before(since) }) {
		stats.AddN(task.Status, 1, task.Cost)
	}
	return stats, nil
}

// Backdate rewrites a task's timestamps.
func (t *Tasks) Backdate(correlationID uuid.UUID, at time.Time) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if task := t.find(correlationID); task != nil {
		task.CreatedAt, task.UpdatedAt = at, at
	}
}

// All returns every task in insertion order.
func (t *Tasks) All() []models.Task {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	out := make([]models.Task, 0, len(t.db.tasks))
	for _, task := range t.db.tasks {
		out = append(out, *task)
	}
	return out
}
