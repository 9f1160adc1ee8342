package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/genbot/internal/billing"
	"github.com/inaiurai/genbot/internal/execution"
	"github.com/inaiurai/genbot/internal/ledger"
	"github.com/inaiurai/genbot/internal/llm"
	"github.com/inaiurai/genbot/internal/memstore"
	"github.com/inaiurai/genbot/internal/models"
	"github.com/inaiurai/genbot/internal/users"
)

type fakeLLM struct {
	reply  string
	deltas []string
	err    error
	calls  int
}

func (f *fakeLLM) Complete(context.Context, []llm.Message) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeLLM) Stream(_ context.Context, _ []llm.Message, onDelta func(string) error) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	out := ""
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return out, err
		}
		out += d
	}
	return out, nil
}

type fixedCost int

func (c fixedCost) ChatMessageCost(context.Context) int { return int(c) }

func setup(t *testing.T, balance, cost int, completer Completer) (*Service, *memstore.DB, *models.User) {
	t.Helper()
	db := memstore.New()
	ledgerSvc := ledger.NewService(db.Users(), db.Ledger(), nil)
	userSvc := users.NewService(db, db.Users(), ledgerSvc, nil, nil)
	u := db.Users().Seed(100, balance)
	svc := NewService(db, db.Users(), ledgerSvc, completer, fixedCost(cost), userSvc, db.InsertTx, nil)
	svc.retry = billing.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	return svc, db, u
}

func hello() []llm.Message {
	return []llm.Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}}
}

func TestSend_ChargesAndCounts(t *testing.T) {
	fake := &fakeLLM{reply: "hello!"}
	svc, db, u := setup(t, 5, 1, fake)
	ctx := context.Background()

	reply, err := svc.Send(ctx, u.ID, hello(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello!", reply.Content)
	assert.Equal(t, 1, reply.Cost)
	assert.Equal(t, 4, reply.Balance)

	stored, err := db.Users().GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Balance)
	assert.Equal(t, 1, stored.MessagesSent)

	entries := db.Ledger().Entries(u.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ReasonChatCost, entries[1].Reason)
	assert.Equal(t, -1, entries[1].Delta)
}

func TestSend_Streams(t *testing.T) {
	fake := &fakeLLM{deltas: []string{"he", "llo"}}
	svc, _, u := setup(t, 5, 2, fake)

	var got []string
	reply, err := svc.Send(context.Background(), u.ID, hello(), func(d string) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Content)
	assert.Equal(t, []string{"he", "llo"}, got)
	assert.Equal(t, 3, reply.Balance)
}

func TestSend_InsufficientBalance(t *testing.T) {
	fake := &fakeLLM{reply: "x"}
	svc, _, u := setup(t, 0, 1, fake)

	_, err := svc.Send(context.Background(), u.ID, hello(), nil)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Zero(t, fake.calls)
}

func TestSend_UpstreamFailureRefunds(t *testing.T) {
	for _, tc := range []struct {
		name string
		fake *fakeLLM
		want error
	}{
		{"timeout", &fakeLLM{err: models.ErrUpstreamTimeout}, models.ErrUpstreamTimeout},
		{"error", &fakeLLM{err: models.ErrUpstream}, models.ErrUpstream},
		{"empty reply", &fakeLLM{reply: "  "}, models.ErrUpstream},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc, db, u := setup(t, 3, 1, tc.fake)
			ctx := context.Background()

			_, err := svc.Send(ctx, u.ID, hello(), nil)
			assert.ErrorIs(t, err, tc.want)

			stored, err := db.Users().GetByID(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, stored.Balance)
			assert.Zero(t, stored.MessagesSent)

			entries := db.Ledger().Entries(u.ID)
			require.Len(t, entries, 3)
			assert.Equal(t, models.ReasonRefund, entries[2].Reason)
			assert.Equal(t, 1, entries[2].Delta)
		})
	}
}

func TestSend_RefundFailureIsOrphan(t *testing.T) {
	fake := &fakeLLM{err: models.ErrUpstream}
	svc, db, u := setup(t, 3, 1, fake)
	ctx := context.Background()
	svc.llm = &failAfterCharge{db: db, inner: fake, times: 3}

	_, err := svc.Send(ctx, u.ID, hello(), nil)
	assert.ErrorIs(t, err, models.ErrOrphanRecovery)
	assert.ErrorIs(t, err, models.ErrUpstream)
	assert.Equal(t, 2, balanceOf(t, db, u.ID))

	jobs := db.Jobs()
	require.Len(t, jobs, 1)
	args, ok := jobs[0].(execution.RefundChatArgs)
	require.True(t, ok)
	assert.Equal(t, u.ID, args.UserID)
	assert.Equal(t, 1, args.Amount)
	assert.NotEmpty(t, args.Ref)

	worker := execution.NewRefundChatWorker(svc, nil)
	job := &river.Job[execution.RefundChatArgs]{JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 25}, Args: args}
	require.NoError(t, worker.Work(ctx, job))
	assert.Equal(t, 3, balanceOf(t, db, u.ID))

	// a redelivered job must not refund twice
	require.NoError(t, worker.Work(ctx, job))
	assert.Equal(t, 3, balanceOf(t, db, u.ID))
	entries := db.Ledger().Entries(u.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, models.ReasonRefund, entries[2].Reason)
	assert.True(t, strings.HasSuffix(entries[2].Description, args.Ref))
}

func TestSend_RefundRetriedInline(t *testing.T) {
	fake := &fakeLLM{err: models.ErrUpstream}
	svc, db, u := setup(t, 3, 1, fake)
	svc.llm = &failAfterCharge{db: db, inner: fake, times: 1}

	_, err := svc.Send(context.Background(), u.ID, hello(), nil)
	assert.ErrorIs(t, err, models.ErrUpstream)
	assert.NotErrorIs(t, err, models.ErrOrphanRecovery)
	assert.Equal(t, 3, balanceOf(t, db, u.ID))
	assert.Empty(t, db.Jobs())
}

func TestSend_RecoveryNotQueuedIsNotOrphan(t *testing.T) {
	fake := &fakeLLM{err: models.ErrUpstream}
	svc, db, u := setup(t, 3, 1, fake)
	svc.llm = &failAfterCharge{db: db, inner: fake, times: 4}

	_, err := svc.Send(context.Background(), u.ID, hello(), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrOrphanRecovery)
	assert.Empty(t, db.Jobs())
	assert.Equal(t, 2, balanceOf(t, db, u.ID))
}

func TestRecoverRefund_Validation(t *testing.T) {
	svc, _, u := setup(t, 3, 1, &fakeLLM{})
	_, err := svc.RecoverRefund(context.Background(), u.ID, 0, "m-1")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.RecoverRefund(context.Background(), u.ID, 1, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func balanceOf(t *testing.T, db *memstore.DB, userID int64) int {
	t.Helper()
	u, err := db.Users().GetByID(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

// failAfterCharge arms a commit fault once the charge is committed so only
// the refund path sees it.
type failAfterCharge struct {
	db    *memstore.DB
	inner Completer
	times int
}

func (f *failAfterCharge) Complete(ctx context.Context, m []llm.Message) (string, error) {
	f.db.FailOn("commit", errors.New("connection reset"), f.times)
	return f.inner.Complete(ctx, m)
}

func (f *failAfterCharge) Stream(ctx context.Context, m []llm.Message, d func(string) error) (string, error) {
	f.db.FailOn("commit", errors.New("connection reset"), f.times)
	return f.inner.Stream(ctx, m, d)
}

func TestSend_FreeMessages(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	svc, db, u := setup(t, 0, 0, fake)

	reply, err := svc.Send(context.Background(), u.ID, hello(), nil)
	require.NoError(t, err)
	assert.Zero(t, reply.Cost)
	assert.Zero(t, reply.Balance)
	assert.Empty(t, db.Ledger().Entries(u.ID))
}

func TestSend_Validation(t *testing.T) {
	fake := &fakeLLM{reply: "x"}
	svc, _, u := setup(t, 5, 1, fake)
	cases := map[string]struct {
		userID int64
		msgs   []llm.Message
	}{
		"no user":      {0, hello()},
		"no messages":  {u.ID, nil},
		"bad role":     {u.ID, []llm.Message{{Role: "tool", Content: "x"}}},
		"empty prompt": {u.ID, []llm.Message{{Role: "user", Content: " "}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Send(context.Background(), tc.userID, tc.msgs, nil)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
	assert.Zero(t, fake.calls)
}
