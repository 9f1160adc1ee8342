package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/genbot/internal/memstore"
	"github.com/inaiurai/genbot/internal/models"
)

func newTestService(db *memstore.DB) *service {
	svc := NewService(db.Users(), db.Ledger(), nil).(*service)
	svc.backoff = func(int) time.Duration { return 0 }
	return svc
}

// ---------------------------------------------------------------------------
// Record
// ---------------------------------------------------------------------------

func TestRecord_DebitWritesEntryAndBalance(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 50)
	svc := newTestService(db)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	entry, err := svc.Record(ctx, tx, user.ID, -10, models.ReasonTaskCost, "task abc")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 40, entry.BalanceAfter)
	assert.NotZero(t, entry.ID)
	balance, _ := db.Users().GetBalance(ctx, nil, user.ID)
	assert.Equal(t, 40, balance)
	assert.Len(t, db.Ledger().Entries(user.ID), 2)
}

func TestRecord_InsufficientBalance(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 5)
	svc := newTestService(db)

	_, err := svc.Record(context.Background(), nil, user.ID, -10, models.ReasonTaskCost, "")
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	balance, _ := db.Users().GetBalance(context.Background(), nil, user.ID)
	assert.Equal(t, 5, balance)
	assert.Len(t, db.Ledger().Entries(user.ID), 1)
}

func TestRecord_ExactBalanceReachesZero(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 10)
	svc := newTestService(db)

	entry, err := svc.Record(context.Background(), nil, user.ID, -10, models.ReasonTaskCost, "")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.BalanceAfter)
}

func TestRecord_RejectsInvalidEntries(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 10)
	svc := newTestService(db)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID int64
		delta  int
		reason models.Reason
	}{
		{"zero delta", user.ID, 0, models.ReasonRefund},
		{"unknown reason", user.ID, 5, models.Reason("gift")},
		{"bad user", 0, 5, models.ReasonRefund},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Record(ctx, nil, tt.userID, tt.delta, tt.reason, "")
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestRecord_RetriesLostSwap(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 20)
	db.FailOn("users.cas", memstore.ErrConflict, MaxCASAttempts-1)
	svc := newTestService(db)

	entry, err := svc.Record(context.Background(), nil, user.ID, -5, models.ReasonChatCost, "")
	require.NoError(t, err)
	assert.Equal(t, 15, entry.BalanceAfter)
}

func TestRecord_GivesUpAfterMaxAttempts(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 20)
	db.FailOn("users.cas", memstore.ErrConflict, MaxCASAttempts)
	svc := newTestService(db)

	_, err := svc.Record(context.Background(), nil, user.ID, -5, models.ReasonChatCost, "")
	require.ErrorIs(t, err, models.ErrConcurrentModification)
	assert.Len(t, db.Ledger().Entries(user.ID), 1)
}

func TestRecord_RollbackUndoesBalanceAndEntry(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 20)
	svc := newTestService(db)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = svc.Record(ctx, tx, user.ID, -5, models.ReasonTaskCost, "")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	balance, _ := db.Users().GetBalance(ctx, nil, user.ID)
	assert.Equal(t, 20, balance)
	assert.Len(t, db.Ledger().Entries(user.ID), 1)
}

func TestRecord_UnknownUser(t *testing.T) {
	db := memstore.New()
	svc := newTestService(db)

	_, err := svc.Record(context.Background(), nil, 77, 5, models.ReasonPayment, "")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

// ---------------------------------------------------------------------------
// Conservation under concurrency
// ---------------------------------------------------------------------------

func TestRecord_ConcurrentDebitsConserveBalance(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 100)
	svc := newTestService(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := -7
			reason := models.ReasonTaskCost
			if i%3 == 0 {
				delta, reason = 4, models.ReasonRefund
			}
			_, _ = svc.Record(ctx, nil, user.ID, delta, reason, "")
		}(i)
	}
	wg.Wait()

	audit, err := svc.Audit(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, audit.Drift)
	assert.GreaterOrEqual(t, audit.CachedBalance, 0)
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

func TestRecordOnce_SkipsExistingEntry(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 10)
	svc := newTestService(db)
	ctx := context.Background()

	entry, written, err := svc.RecordOnce(ctx, nil, user.ID, 3, models.ReasonRefund, "refund for chat message m-1")
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, 13, entry.BalanceAfter)

	entry, written, err = svc.RecordOnce(ctx, nil, user.ID, 3, models.ReasonRefund, "refund for chat message m-1")
	require.NoError(t, err)
	assert.False(t, written)
	assert.Nil(t, entry)

	_, written, err = svc.RecordOnce(ctx, nil, user.ID, 3, models.ReasonRefund, "refund for chat message m-2")
	require.NoError(t, err)
	assert.True(t, written)

	got, err := db.Users().GetBalance(ctx, nil, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 16, got)
	assert.Len(t, db.Ledger().Entries(user.ID), 3)
}

func TestTotalsAndHistory(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 50)
	svc := newTestService(db)
	ctx := context.Background()

	_, err := svc.Record(ctx, nil, user.ID, -10, models.ReasonTaskCost, "t1")
	require.NoError(t, err)
	_, err = svc.Record(ctx, nil, user.ID, 10, models.ReasonRefund, "t1")
	require.NoError(t, err)
	_, err = svc.Record(ctx, nil, user.ID, -3, models.ReasonChatCost, "")
	require.NoError(t, err)

	earned, err := svc.TotalEarned(ctx, user.ID)
	require.NoError(t, err)
	spent, err := svc.TotalSpent(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, earned)
	assert.Equal(t, 13, spent)

	history, err := svc.History(ctx, user.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ReasonChatCost, history[0].Reason)
	assert.Equal(t, 47, history[0].BalanceAfter)
}

func TestAudit_ReportsDrift(t *testing.T) {
	db := memstore.New()
	user := db.Users().Seed(1001, 50)
	db.Users().SetBalance(user.ID, 45)
	svc := newTestService(db)

	audit, err := svc.Audit(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, audit.LedgerSum)
	assert.Equal(t, -5, audit.Drift)
}
