// Package transfer implements the funds-transfer service: validation,
// per-account serialization, idempotent submission, and the two-phase
// reserve/commit protocol that moves value between accounts.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/minitmoney/transfer-service/pkg/events"
	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

// DefaultMaxAmount caps a single transfer when no limit is configured:
// 10,000.00 in minor units.
const DefaultMaxAmount int64 = 1_000_000

// DefaultLockTimeout bounds the wait for an account's serialization point.
const DefaultLockTimeout = 3 * time.Second

// Service coordinates funds movement between accounts. All balance mutation
// in the system flows through it.
type Service struct {
	store       storage.Storage
	locks       *lockTable
	publisher   events.Publisher
	logger      *slog.Logger
	maxAmount   int64
	lockTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithMaxAmount sets the maximum single-transfer amount in minor units.
func WithMaxAmount(max int64) Option {
	return func(s *Service) { s.maxAmount = max }
}

// WithLockTimeout bounds how long a transfer waits for an account lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// WithPublisher makes the service publish completed transfers. Publishing is
// best-effort and never fails a transfer.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a transfer Service backed by the given store.
func New(store storage.Storage, opts ...Option) *Service {
	s := &Service{
		store:       store,
		locks:       newLockTable(),
		logger:      slog.Default(),
		maxAmount:   DefaultMaxAmount,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitTransfer validates the request and moves the amount from sender to
// receiver, producing a durable Transaction. On successful return both
// balances and the record are durably stored.
//
// A request whose idempotency key matches a prior terminal attempt returns
// the prior Transaction without re-executing; the record's status carries
// the outcome. Context cancellation is honored up to the point the atomic
// reservation begins; after that the outcome is decided by commit, abort, or
// the recovery pass.
func (s *Service) SubmitTransfer(ctx context.Context, req models.TransferRequest) (*models.Transaction, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if req.Amount > s.maxAmount {
		return nil, fmt.Errorf("%w: amount exceeds single-transfer limit of %d", ErrInvalidAmount, s.maxAmount)
	}

	sender, err := s.store.GetAccount(ctx, req.SenderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: sender %s", ErrInvalidAccount, req.SenderID)
		}
		return nil, fmt.Errorf("load sender: %w", err)
	}
	if !sender.Active {
		return nil, fmt.Errorf("%w: sender %s is inactive", ErrInvalidAccount, req.SenderID)
	}

	receiver, err := s.resolveReceiver(ctx, req)
	if err != nil {
		return nil, err
	}
	if receiver.ID == sender.ID {
		return nil, fmt.Errorf("%w: cannot transfer to self", ErrInvalidAccount)
	}
	if req.Currency != sender.Currency {
		return nil, fmt.Errorf("%w: request %s, sender account %s", ErrCurrencyMismatch, req.Currency, sender.Currency)
	}

	// Replay check before taking any lock: a terminal prior attempt under
	// the same key short-circuits without touching either account.
	if req.IdempotencyKey != "" {
		prior, err := s.store.GetTransactionByIdempotencyKey(ctx, sender.ID, req.IdempotencyKey)
		if err == nil {
			return s.replay(prior)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	release, err := s.locks.acquire(ctx, s.lockTimeout, sender.ID, receiver.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	// The key may have been recorded while we waited for the locks.
	if req.IdempotencyKey != "" {
		prior, err := s.store.GetTransactionByIdempotencyKey(ctx, sender.ID, req.IdempotencyKey)
		if err == nil {
			return s.replay(prior)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	// Last point at which cancellation is honored; the reservation below is
	// the start of the atomic mutation and must not be abandoned midway by
	// the caller going away.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:             uuid.New().String(),
		SenderID:       sender.ID,
		ReceiverID:     receiver.ID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}

	if err := s.store.ReserveTransfer(ctx, tx); err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientFunds):
			return tx, err
		case errors.Is(err, storage.ErrDuplicateKey):
			prior, lookupErr := s.store.GetTransactionByIdempotencyKey(ctx, sender.ID, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("replay after duplicate key: %w", lookupErr)
			}
			return s.replay(prior)
		default:
			return nil, fmt.Errorf("reserve transfer: %w", err)
		}
	}

	if err := s.store.CommitTransfer(ctx, tx); err != nil {
		s.logger.Error("commit failed, compensating",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()))
		if abortErr := s.store.AbortTransfer(ctx, tx, fmt.Sprintf("commit failed: %v", err)); abortErr != nil {
			// Both phases failed; the transaction stays PENDING with its
			// reservation intact and the recovery pass will resolve it.
			s.logger.Error("abort failed, leaving transaction for recovery",
				slog.String("transaction_id", tx.ID),
				slog.String("error", abortErr.Error()))
			return nil, fmt.Errorf("commit transfer: %w", err)
		}
		return tx, fmt.Errorf("commit transfer: %w", err)
	}

	s.publish(ctx, tx)
	return tx, nil
}

// resolveReceiver looks up the receiver by ID or email.
func (s *Service) resolveReceiver(ctx context.Context, req models.TransferRequest) (*models.Account, error) {
	var (
		receiver *models.Account
		err      error
	)
	switch {
	case req.ReceiverID != "":
		receiver, err = s.store.GetAccount(ctx, req.ReceiverID)
	case req.ReceiverEmail != "":
		receiver, err = s.store.GetAccountByEmail(ctx, req.ReceiverEmail)
	default:
		return nil, fmt.Errorf("%w: receiver is required", ErrInvalidAccount)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: receiver not found", ErrInvalidAccount)
		}
		return nil, fmt.Errorf("load receiver: %w", err)
	}
	if !receiver.Active {
		return nil, fmt.Errorf("%w: receiver %s is inactive", ErrInvalidAccount, receiver.ID)
	}
	return receiver, nil
}

// replay returns the transaction recorded for a previously used idempotency
// key. A terminal record is the prior result; a PENDING one means another
// attempt is mid-commit and must resolve first.
func (s *Service) replay(prior *models.Transaction) (*models.Transaction, error) {
	if !prior.Status.Terminal() {
		return nil, ErrTransferInProgress
	}
	return prior, nil
}

func (s *Service) publish(ctx context.Context, tx *models.Transaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransferCompleted(ctx, tx); err != nil {
		s.logger.Error("failed to publish transfer notification",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()))
	}
}

// GetTransaction retrieves a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns an account's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactionsByAccount(ctx, accountID, limit, offset)
}
