package memstore

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/models"
)

type Ledger struct{ db *DB }

func (db *DB) Ledger() *Ledger { return &Ledger{db: db} }

func (l *Ledger) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	db := l.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault("ledger.create"); err != nil {
		return err
	}
	e.ID = db.id()
	e.CreatedAt = db.now()
	cp := *e
	db.entries = append(db.entries, &cp)
	id := e.ID
	journal(tx, func() {
		for i, entry := range db.entries {
			if entry.ID == id {
				db.entries = append(db.entries[:i], db.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (l *Ledger) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var list []*models.LedgerEntry
	for _, e := range l.db.entries {
		if e.UserID == userID {
			cp := *e
			list = append(list, &cp)
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (l *Ledger) ExistsTx(ctx context.Context, tx pgx.Tx, userID int64, reason models.Reason, description string) (bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	for _, e := range l.db.entries {
		if e.UserID == userID && e.Reason == reason && e.Description == description {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) Totals(ctx context.Context, userID int64) (earned, spent int, err error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	for _, e := range l.db.entries {
		if e.UserID != userID {
			continue
		}
		if e.Delta > 0 {
			earned += e.Delta
		} else {
			spent -= e.Delta
		}
	}
	return earned, spent, nil
}

// Entries returns every entry for userID in insertion order.
func (l *Ledger) Entries(userID int64) []models.LedgerEntry {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range l.db.entries {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out
}
