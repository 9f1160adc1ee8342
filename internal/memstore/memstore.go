// Package memstore is an in-memory stand-in for the Postgres repositories.
// Writes made through a Tx are undone on Rollback, so transactional
// all-or-nothing behavior can be exercised without a database.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/inaiurai/genbot/internal/models"
)

// ErrConflict injected on "users.cas" makes the swap report a lost race
// instead of an error.
var ErrConflict = errors.New("memstore: simulated conflict")

type job struct {
	id   int64
	args river.JobArgs
}

type fault struct {
	err       error
	remaining int
}

// DB holds every table. The zero value is not usable; call New.
type DB struct {
	mu      sync.Mutex
	now     func() time.Time
	faults  map[string]*fault
	nextID  int64
	users   map[int64]*models.User
	entries []*models.LedgerEntry
	tasks   []*models.Task
	config  map[string]models.ConfigEntry
	jobs    []job
	commits int
}

func New() *DB {
	return &DB{
		now:    time.Now,
		faults: make(map[string]*fault),
		users:  make(map[int64]*models.User),
		config: make(map[string]models.ConfigEntry),
	}
}

// SetClock replaces the clock used for created_at/updated_at.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// FailOn makes the next times calls of op return err. Ops: "begin", "commit",
// "users.cas", "ledger.create", "tasks.create", "tasks.update", "jobs.insert",
// "config.list".
func (db *DB) FailOn(op string, err error, times int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.faults[op] = &fault{err: err, remaining: times}
}

// fault must be called with mu held.
func (db *DB) fault(op string) error {
	f, ok := db.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (db *DB) id() int64 {
	db.nextID++
	return db.nextID
}

// Tx is a pgx.Tx whose only working methods are Commit and Rollback.
type Tx struct {
	pgx.Tx
	db   *DB
	undo []func()
	done bool
}

func (db *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault("begin"); err != nil {
		return nil, err
	}
	return &Tx{db: db}, nil
}

func (tx *Tx) Commit(ctx context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.done {
		return pgx.ErrTxClosed
	}
	if err := tx.db.fault("commit"); err != nil {
		tx.rollbackLocked()
		return err
	}
	tx.done = true
	tx.undo = nil
	tx.db.commits++
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.rollbackLocked()
	return nil
}

func (tx *Tx) rollbackLocked() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.done = true
}

// journal registers an undo step when the write happens inside a Tx. Must be
// called with mu held.
func journal(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok && t != nil {
		t.undo = append(t.undo, fn)
	}
}

// Commits counts successful commits.
func (db *DB) Commits() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commits
}

// InsertTx records a background job; it disappears if tx rolls back.
func (db *DB) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault("jobs.insert"); err != nil {
		return err
	}
	id := db.id()
	db.jobs = append(db.jobs, job{id: id, args: args})
	journal(tx, func() {
		for i, j := range db.jobs {
			if j.id == id {
				db.jobs = append(db.jobs[:i], db.jobs[i+1:]...)
				return
			}
		}
	})
	return nil
}

// Jobs returns every enqueued job in insertion order.
func (db *DB) Jobs() []river.JobArgs {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]river.JobArgs, 0, len(db.jobs))
	for _, j := range db.jobs {
		out = append(out, j.args)
	}
	return out
}
