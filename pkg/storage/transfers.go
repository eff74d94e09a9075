package storage

import (
	"context"
	"time"

	"github.com/minitmoney/transfer-service/pkg/models"
)

// TransferReader defines the interface for reading transaction data.
type TransferReader interface {
	// GetTransaction retrieves a transaction by its ID.
	GetTransaction(ctx context.Context, txID string) (*models.Transaction, error)

	// GetTransactionByIdempotencyKey retrieves the transaction recorded for a
	// (sender, idempotency key) pair, or ErrNotFound if the key is unused.
	GetTransactionByIdempotencyKey(ctx context.Context, senderID, key string) (*models.Transaction, error)

	// ListTransactionsByAccount retrieves transactions in which the account
	// is sender or receiver, ordered by creation time descending. A
	// non-positive limit returns all matches past the offset.
	ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error)

	// GetStuckTransactions retrieves transactions that have been PENDING for
	// longer than maxAge. These are the indeterminate attempts a recovery
	// pass must resolve.
	GetStuckTransactions(ctx context.Context, maxAge time.Duration) ([]models.Transaction, error)
}

// TransferWriter defines the two-phase write protocol for moving funds.
//
// ReserveTransfer and CommitTransfer together form one logical transfer;
// each call is individually atomic, so a crash between them leaves a PENDING
// transaction whose reservation is intact and recoverable.
type TransferWriter interface {
	// ReserveTransfer atomically checks the sender's balance, moves amount
	// from balance to reserved, and records tx with status PENDING together
	// with its idempotency marker. On insufficient funds it records tx with
	// status FAILED instead, leaves the balance untouched, and returns
	// ErrInsufficientFunds. Returns ErrDuplicateKey if the idempotency
	// marker already exists.
	ReserveTransfer(ctx context.Context, tx *models.Transaction) error

	// CommitTransfer atomically releases the sender's reservation, credits
	// the receiver, writes the debit and credit ledger entries, and marks tx
	// COMPLETED. It applies only while tx is PENDING; ErrAlreadyResolved is
	// returned if another process settled or aborted it first.
	CommitTransfer(ctx context.Context, tx *models.Transaction) error

	// AbortTransfer atomically returns the reserved amount to the sender's
	// balance and marks tx FAILED with the given reason. Same PENDING
	// precondition as CommitTransfer.
	AbortTransfer(ctx context.Context, tx *models.Transaction, reason string) error
}

// TransferStore combines the reader and writer interfaces.
type TransferStore interface {
	TransferReader
	TransferWriter
}

// LedgerReader defines the interface for reading ledger data.
type LedgerReader interface {
	// ListLedgerEntries retrieves an account's ledger entries, most recent
	// first.
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
}
