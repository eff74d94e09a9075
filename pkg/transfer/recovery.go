package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

// DefaultStuckThreshold is how long a transaction may stay PENDING before the
// recovery pass treats its attempt as indeterminate.
const DefaultStuckThreshold = time.Minute

// Reconciler resolves transactions left PENDING by a crash between the
// reserve and commit phases. The reservation is written atomically with the
// PENDING record, so the debit is never orphaned: every stuck transaction
// can either roll forward (replay the commit) or roll back (compensating
// re-credit of the sender).
type Reconciler struct {
	store     storage.Storage
	locks     *lockTable
	logger    *slog.Logger
	threshold time.Duration
}

// NewReconciler creates a recovery pass over the given store. A non-positive
// threshold falls back to DefaultStuckThreshold.
func NewReconciler(store storage.Storage, logger *slog.Logger, threshold time.Duration) *Reconciler {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		locks:     newLockTable(),
		logger:    logger,
		threshold: threshold,
	}
}

// Reconciler returns a recovery pass that shares the service's account
// locks, so in-process recovery never races a live transfer on the same
// accounts.
func (s *Service) Reconciler(threshold time.Duration) *Reconciler {
	r := NewReconciler(s.store, s.logger, threshold)
	r.locks = s.locks
	return r
}

// Run resolves every stuck transaction to a terminal state and returns how
// many were resolved. One unresolvable transaction does not stop the batch.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	stuck, err := r.store.GetStuckTransactions(ctx, r.threshold)
	if err != nil {
		return 0, fmt.Errorf("scan for stuck transactions: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	r.logger.Info("recovering stuck transactions", slog.Int("count", len(stuck)))

	resolved := 0
	var firstErr error
	for i := range stuck {
		tx := stuck[i]
		if err := r.resolve(ctx, &tx); err != nil {
			r.logger.Error("failed to resolve stuck transaction",
				slog.String("transaction_id", tx.ID),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resolved++
		r.logger.Info("resolved stuck transaction",
			slog.String("transaction_id", tx.ID),
			slog.String("status", string(tx.Status)))
	}
	return resolved, firstErr
}

// resolve rolls a single PENDING transaction forward when possible, backward
// otherwise. Commit and abort are both conditioned on the PENDING status, so
// a concurrent resolution by another pass is detected, not duplicated.
func (r *Reconciler) resolve(ctx context.Context, tx *models.Transaction) error {
	release, err := r.locks.acquire(ctx, DefaultLockTimeout, tx.SenderID, tx.ReceiverID)
	if err != nil {
		return err
	}
	defer release()

	commitErr := r.store.CommitTransfer(ctx, tx)
	if commitErr == nil {
		return nil
	}
	if errors.Is(commitErr, storage.ErrAlreadyResolved) {
		// Another process settled or aborted it between the scan and now.
		current, err := r.store.GetTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		*tx = *current
		return nil
	}

	if err := r.store.AbortTransfer(ctx, tx, fmt.Sprintf("recovered: %v", commitErr)); err != nil {
		if errors.Is(err, storage.ErrAlreadyResolved) {
			current, getErr := r.store.GetTransaction(ctx, tx.ID)
			if getErr != nil {
				return getErr
			}
			*tx = *current
			return nil
		}
		return fmt.Errorf("abort after failed commit (%v): %w", commitErr, err)
	}
	return nil
}
