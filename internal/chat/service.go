// Package chat charges a user per message and relays the conversation to the
// chat completion API, refunding the charge when the API fails.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/genbot/internal/billing"
	"github.com/inaiurai/genbot/internal/execution"
	"github.com/inaiurai/genbot/internal/ledger"
	"github.com/inaiurai/genbot/internal/llm"
	"github.com/inaiurai/genbot/internal/models"
)

// MaxMessages caps the conversation history accepted per request.
const MaxMessages = 50

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	Stream(ctx context.Context, messages []llm.Message, onDelta func(string) error) (string, error)
}

type BalanceReader interface {
	GetBalance(ctx context.Context, tx pgx.Tx, userID int64) (int, error)
}

type CostSource interface {
	ChatMessageCost(ctx context.Context) int
}

type MessageCounter interface {
	CountMessage(ctx context.Context, userID int64) error
}

type Reply struct {
	Content string `json:"content"`
	Cost    int    `json:"cost"`
	Balance int    `json:"balance"`
}

type Service struct {
	db        TxBeginner
	balances  BalanceReader
	ledger    ledger.Service
	llm       Completer
	costs     CostSource
	counter   MessageCounter
	insertJob billing.InsertJobTxFunc
	retry     billing.RetryPolicy
	logger    *slog.Logger
}

// NewService wires the chat flow. insertJob enqueues refund_chat jobs for
// refunds that keep failing inline.
func NewService(db TxBeginner, balances BalanceReader, ledgerSvc ledger.Service, completer Completer, costs CostSource, counter MessageCounter, insertJob billing.InsertJobTxFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        db,
		balances:  balances,
		ledger:    ledgerSvc,
		llm:       completer,
		costs:     costs,
		counter:   counter,
		insertJob: insertJob,
		retry:     billing.DefaultRefundRetry,
		logger:    logger,
	}
}

var _ execution.ChatRefunder = (*Service)(nil)

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

func validate(userID int64, messages []llm.Message) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user_id must be positive", models.ErrValidation)
	}
	if len(messages) == 0 || len(messages) > MaxMessages {
		return fmt.Errorf("%w: between 1 and %d messages required", models.ErrValidation, MaxMessages)
	}
	for i, m := range messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("%w: message %d has unknown role %q", models.ErrValidation, i, m.Role)
		}
	}
	if strings.TrimSpace(messages[len(messages)-1].Content) == "" {
		return fmt.Errorf("%w: last message is empty", models.ErrValidation)
	}
	return nil
}

// Send debits the message cost, then asks the model for a reply. When onDelta
// is non-nil the reply is streamed through it. A failed call is refunded.
func (s *Service) Send(ctx context.Context, userID int64, messages []llm.Message, onDelta func(string) error) (*Reply, error) {
	if err := validate(userID, messages); err != nil {
		return nil, err
	}

	cost := max(s.costs.ChatMessageCost(ctx), 0)
	ref := uuid.NewString()
	balance, err := s.charge(ctx, userID, -cost, models.ReasonChatCost, "chat message "+ref)
	if err != nil {
		return nil, err
	}

	var content string
	if onDelta != nil {
		content, err = s.llm.Stream(ctx, messages, onDelta)
	} else {
		content, err = s.llm.Complete(ctx, messages)
	}
	if err == nil && strings.TrimSpace(content) == "" {
		err = fmt.Errorf("empty reply: %w", models.ErrUpstream)
	}
	if err != nil {
		s.logger.Warn("chat completion failed, refunding", "user_id", userID, "cost", cost, "ref", ref, "error", err)
		if refundErr := s.refund(context.WithoutCancel(ctx), userID, cost, ref); refundErr != nil {
			return nil, errors.Join(err, refundErr)
		}
		return nil, err
	}

	if err := s.counter.CountMessage(ctx, userID); err != nil {
		s.logger.Warn("count message", "user_id", userID, "error", err)
	}
	return &Reply{Content: content, Cost: cost, Balance: balance}, nil
}

func refundDescription(ref string) string {
	return "refund for chat message " + ref
}

// refund returns cost with bounded retries. When they run out a refund_chat
// job takes over and ErrOrphanRecovery is returned; if even that cannot be
// enqueued the error says so and is not ErrOrphanRecovery.
func (s *Service) refund(ctx context.Context, userID int64, cost int, ref string) error {
	if cost == 0 {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < s.retry.Attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retry.Delay(attempt - 1))
		}
		if _, err := s.RecoverRefund(ctx, userID, cost, ref); err != nil {
			lastErr = err
			s.logger.Warn("chat refund attempt failed", "user_id", userID, "ref", ref, "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}

	s.logger.Error("chat refund failed, handing to background recovery", "user_id", userID, "cost", cost, "ref", ref, "error", lastErr)
	if err := s.enqueueRefund(ctx, userID, cost, ref); err != nil {
		s.logger.Error("could not enqueue chat refund recovery", "user_id", userID, "cost", cost, "ref", ref, "error", err)
		return fmt.Errorf("chat message %s: refund failed and recovery not queued: %w", ref, errors.Join(lastErr, err))
	}
	return fmt.Errorf("chat message %s: %w: %w", ref, models.ErrOrphanRecovery, lastErr)
}

func (s *Service) enqueueRefund(ctx context.Context, userID int64, cost int, ref string) error {
	if s.insertJob == nil {
		return errors.New("no job queue configured")
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.insertJob(ctx, tx, execution.RefundChatArgs{UserID: userID, Amount: cost, Ref: ref}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecoverRefund credits amount back for the chat message ref. It writes at
// most one refund per ref, so a retried job or an inline attempt whose commit
// did land cannot refund twice.
func (s *Service) RecoverRefund(ctx context.Context, userID int64, amount int, ref string) (bool, error) {
	if amount <= 0 || ref == "" {
		return false, fmt.Errorf("%w: chat refund needs a positive amount and a ref", models.ErrValidation)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	_, written, err := s.ledger.RecordOnce(ctx, tx, userID, amount, models.ReasonRefund, refundDescription(ref))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

// charge applies delta in its own transaction and returns the new balance.
// A zero delta only reads the balance.
func (s *Service) charge(ctx context.Context, userID int64, delta int, reason models.Reason, desc string) (int, error) {
	if delta == 0 {
		return s.balances.GetBalance(ctx, nil, userID)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	entry, err := s.ledger.Record(ctx, tx, userID, delta, reason, desc)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return entry.BalanceAfter, nil
}
