package billing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/genbot/internal/events"
	"github.com/inaiurai/genbot/internal/execution"
	"github.com/inaiurai/genbot/internal/ledger"
	"github.com/inaiurai/genbot/internal/memstore"
	"github.com/inaiurai/genbot/internal/models"
	"github.com/inaiurai/genbot/internal/tasks"
)

var errDBDown = errors.New("connection reset by peer")

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TaskEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	db  *memstore.DB
	svc *service
	pub *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memstore.New()
	pub := &recordingPublisher{}
	led := ledger.NewService(db.Users(), db.Ledger(), nil)
	store := tasks.NewStore(db.Tasks(), nil)
	svc := NewService(db, db.Users(), led, store, db.InsertTx, pub, nil)
	svc.retry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	return &fixture{db: db, svc: svc, pub: pub}
}

func (f *fixture) balance(t *testing.T, userID int64) int {
	t.Helper()
	b, err := f.db.Users().GetBalance(context.Background(), nil, userID)
	require.NoError(t, err)
	return b
}

// assertConserved checks the cached balance equals the ledger sum.
func (f *fixture) assertConserved(t *testing.T, userID int64) {
	t.Helper()
	sum := 0
	for _, e := range f.db.Ledger().Entries(userID) {
		sum += e.Delta
	}
	assert.Equal(t, sum, f.balance(t, userID), "balance must equal sum of ledger deltas")
}

// ---------------------------------------------------------------------------
// CreateTaskWithPayment
// ---------------------------------------------------------------------------

func TestCreateTaskWithPayment_SuccessThenComplete(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	ctx := context.Background()

	task, err := f.svc.CreateTaskWithPayment(ctx, user.ID, models.TaskTypeImage, 10, "inputs/a.png", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 40, f.balance(t, user.ID))

	entries := f.db.Ledger().Entries(user.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, -10, entries[1].Delta)
	assert.Equal(t, models.ReasonTaskCost, entries[1].Reason)
	assert.Contains(t, entries[1].Description, task.CorrelationID.String())

	jobs := f.db.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, execution.SubmitImageArgs{CorrelationID: task.CorrelationID}, jobs[0])

	ok, err := f.svc.StartProcessing(ctx, task.CorrelationID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.svc.CompleteTask(ctx, task.CorrelationID, "results/out.png")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.svc.GetTask(ctx, task.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "results/out.png", *got.OutputRef)
	assert.Equal(t, 40, f.balance(t, user.ID))
	f.assertConserved(t, user.ID)
	assert.Equal(t, []string{events.TaskCreated, events.TaskCompleted}, f.pub.types())
}

func TestCreateTaskWithPayment_CostEqualsBalance(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 10)

	_, err := f.svc.CreateTaskWithPayment(context.Background(), user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.balance(t, user.ID))
	f.assertConserved(t, user.ID)
}

func TestCreateTaskWithPayment_InsufficientWritesNothing(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 9)

	_, err := f.svc.CreateTaskWithPayment(context.Background(), user.ID, models.TaskTypeImage, 10, "in", nil)
	require.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Empty(t, f.db.Tasks().All())
	assert.Empty(t, f.db.Jobs())
	assert.Equal(t, 9, f.balance(t, user.ID))
	assert.Equal(t, models.MsgInsufficientCredits, models.UserMessage(err))
}

func TestCreateTaskWithPayment_RejectsNonPositiveCost(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)

	_, err := f.svc.CreateTaskWithPayment(context.Background(), user.ID, models.TaskTypeImage, 0, "in", nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateTaskWithPayment_NoOrphans(t *testing.T) {
	for _, op := range []string{"ledger.create", "jobs.insert", "commit", "tasks.create"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			user := f.db.Users().Seed(500, 50)
			f.db.FailOn(op, errDBDown, 1)

			_, err := f.svc.CreateTaskWithPayment(context.Background(), user.ID, models.TaskTypeImage, 10, "in", nil)
			require.Error(t, err)
			assert.Empty(t, f.db.Tasks().All(), "no task without a debit")
			assert.Len(t, f.db.Ledger().Entries(user.ID), 1, "no debit without a task")
			assert.Empty(t, f.db.Jobs())
			assert.Equal(t, 50, f.balance(t, user.ID))
		})
	}
}

func TestCreateTaskWithPayment_ConcurrentAtExactBalance(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateTaskWithPayment(ctx, user.ID, models.TaskTypeImage, 10, "in", nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.db.Tasks().All(), 1)
	assert.Equal(t, 0, f.balance(t, user.ID))
	f.assertConserved(t, user.ID)
}

// ---------------------------------------------------------------------------
// FailTask
// ---------------------------------------------------------------------------

func TestFailTask_RefundsOnce(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	ctx := context.Background()
	task, err := f.svc.CreateTaskWithPayment(ctx, user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)
	_, err = f.svc.StartProcessing(ctx, task.CorrelationID)
	require.NoError(t, err)

	ok, err := f.svc.FailTask(ctx, task.CorrelationID, "face not detected")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50, f.balance(t, user.ID))

	entries := f.db.Ledger().Entries(user.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, 10, last.Delta)
	assert.Equal(t, models.ReasonRefund, last.Reason)
	assert.True(t, strings.Contains(last.Description, task.CorrelationID.String()))

	ok, err = f.svc.FailTask(ctx, task.CorrelationID, "face not detected")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.svc.CompleteTask(ctx, task.CorrelationID, "late.png")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 50, f.balance(t, user.ID))
	assert.Len(t, f.db.Ledger().Entries(user.ID), 3)
	f.assertConserved(t, user.ID)
}

func TestFailTask_FromPending(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	task, err := f.svc.CreateTaskWithPayment(context.Background(), user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)

	ok, err := f.svc.FailTask(context.Background(), task.CorrelationID, "rejected upstream")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50, f.balance(t, user.ID))
}

func TestFailTask_ConcurrentDuplicatesRefundOnce(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	ctx := context.Background()
	task, err := f.svc.CreateTaskWithPayment(ctx, user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.svc.FailTask(ctx, task.CorrelationID, "error")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 50, f.balance(t, user.ID))
	f.assertConserved(t, user.ID)
}

func TestFailTask_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	task, err := f.svc.CreateTaskWithPayment(context.Background(), user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)
	f.db.FailOn("ledger.create", errDBDown, 2)

	ok, err := f.svc.FailTask(context.Background(), task.CorrelationID, "error")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50, f.balance(t, user.ID))
	f.assertConserved(t, user.ID)
}

func TestFailTask_ExhaustedRetriesEnqueueRecovery(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	ctx := context.Background()
	task, err := f.svc.CreateTaskWithPayment(ctx, user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)
	f.db.FailOn("tasks.update", errDBDown, 3)

	ok, err := f.svc.FailTask(ctx, task.CorrelationID, "timeout")
	require.ErrorIs(t, err, models.ErrOrphanRecovery)
	assert.ErrorIs(t, err, errDBDown)
	assert.False(t, ok)

	// status and refund rolled back together
	assert.Equal(t, 40, f.balance(t, user.ID))
	got, _ := f.svc.GetTask(ctx, task.CorrelationID)
	assert.Equal(t, models.TaskStatusPending, got.Status)

	jobs := f.db.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, execution.RefundTaskArgs{CorrelationID: task.CorrelationID, Reason: "timeout"}, jobs[1])

	ok, err = f.svc.RecoverRefund(ctx, task.CorrelationID, "timeout")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50, f.balance(t, user.ID))
	f.assertConserved(t, user.ID)
}

func TestFailTask_RecoveryNotQueuedIsNotOrphan(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	ctx := context.Background()
	task, err := f.svc.CreateTaskWithPayment(ctx, user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)
	// three refund attempts and the recovery enqueue all fail to begin
	f.db.FailOn("begin", errDBDown, 4)

	ok, err := f.svc.FailTask(ctx, task.CorrelationID, "timeout")
	require.Error(t, err)
	assert.False(t, ok)
	assert.NotErrorIs(t, err, models.ErrOrphanRecovery)
	assert.ErrorIs(t, err, errDBDown)
	assert.Len(t, f.db.Jobs(), 1, "only the submission job")
	assert.Equal(t, 40, f.balance(t, user.ID))
}

func TestFailTask_UnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FailTask(context.Background(), uuid.New(), "x")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, f.db.Jobs())
}

// ---------------------------------------------------------------------------
// CompleteTask
// ---------------------------------------------------------------------------

func TestCompleteTask_FromPending(t *testing.T) {
	f := newFixture(t)
	user := f.db.Users().Seed(500, 50)
	ctx := context.Background()
	task, err := f.svc.CreateTaskWithPayment(ctx, user.ID, models.TaskTypeImage, 10, "in", nil)
	require.NoError(t, err)

	ok, err := f.svc.CompleteTask(ctx, task.CorrelationID, "results/x.png")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := f.svc.GetTask(ctx, task.CorrelationID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

func TestCompleteTask_RequiresOutput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CompleteTask(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRetryPolicy_Doubles(t *testing.T) {
	p := DefaultRefundRetry
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
}
