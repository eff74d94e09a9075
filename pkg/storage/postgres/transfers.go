package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

const transactionColumns = "id, sender_id, receiver_id, amount, currency, description, status, failure_reason, idempotency_key, created_at, updated_at"

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Currency, &t.Description,
		&t.Status, &t.FailureReason, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// withTx runs fn inside a database transaction, committing on nil and rolling
// back on error.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	dbtx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)

	if err := fn(dbtx); err != nil {
		return err
	}
	return dbtx.Commit(ctx)
}

// lockAccounts takes row locks on the given accounts in sorted ID order so
// that concurrent transfers over the same pair cannot deadlock.
func lockAccounts(ctx context.Context, dbtx pgx.Tx, ids ...string) (map[string]*models.Account, error) {
	rows, err := dbtx.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	defer rows.Close()

	locked := make(map[string]*models.Account, len(ids))
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.Balance, &a.Reserved, &a.Currency, &a.Active, &a.Version, &a.CreatedAt); err != nil {
			return nil, err
		}
		locked[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
		}
	}
	return locked, nil
}

func insertTransaction(ctx context.Context, dbtx pgx.Tx, tx *models.Transaction) error {
	_, err := dbtx.Exec(ctx,
		`INSERT INTO transactions (id, sender_id, receiver_id, amount, currency, description, status, failure_reason, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.SenderID, tx.ReceiverID, tx.Amount, tx.Currency, tx.Description,
		tx.Status, tx.FailureReason, tx.IdempotencyKey, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}

	if tx.IdempotencyKey != "" {
		_, err = dbtx.Exec(ctx,
			"INSERT INTO idempotency_keys (pk, transaction_id) VALUES ($1, $2)",
			tx.SenderID+"/"+tx.IdempotencyKey, tx.ID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("idempotency marker insert failed: %w", err)
		}
	}
	return nil
}

// ReserveTransfer checks and debits the sender's balance into its reserved
// holding and records the PENDING transaction with its idempotency marker,
// all inside one database transaction. On insufficient funds the transaction
// is recorded FAILED in its own transaction instead, since the guard row must
// survive the rollback of the reservation.
func (s *Store) ReserveTransfer(ctx context.Context, tx *models.Transaction) error {
	err := s.withTx(ctx, func(dbtx pgx.Tx) error {
		locked, err := lockAccounts(ctx, dbtx, tx.SenderID)
		if err != nil {
			return err
		}
		sender := locked[tx.SenderID]

		if sender.Balance < tx.Amount {
			return storage.ErrInsufficientFunds
		}

		_, err = dbtx.Exec(ctx,
			"UPDATE accounts SET balance = balance - $1, reserved = reserved + $1, version = version + 1 WHERE id = $2",
			tx.Amount, tx.SenderID)
		if err != nil {
			return fmt.Errorf("sender reservation failed: %w", err)
		}

		tx.Status = models.PENDING
		tx.UpdatedAt = tx.CreatedAt
		return insertTransaction(ctx, dbtx, tx)
	})

	if errors.Is(err, storage.ErrInsufficientFunds) {
		tx.Status = models.FAILED
		tx.FailureReason = storage.ErrInsufficientFunds.Error()
		tx.UpdatedAt = tx.CreatedAt
		recordErr := s.withTx(ctx, func(dbtx pgx.Tx) error {
			return insertTransaction(ctx, dbtx, tx)
		})
		if errors.Is(recordErr, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return storage.ErrInsufficientFunds
	}
	return err
}

// lockTransaction loads a transaction under a row lock and verifies it is
// still PENDING.
func lockTransaction(ctx context.Context, dbtx pgx.Tx, txID string) (*models.Transaction, error) {
	stored, err := scanTransaction(dbtx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1 FOR UPDATE", txID))
	if err != nil {
		return nil, err
	}
	if stored.Status != models.PENDING {
		return nil, storage.ErrAlreadyResolved
	}
	return stored, nil
}

// CommitTransfer settles a PENDING transaction: the sender's reservation is
// released, the receiver is credited, both ledger entries are written, and
// the status moves to COMPLETED, all inside one database transaction.
func (s *Store) CommitTransfer(ctx context.Context, tx *models.Transaction) error {
	return s.withTx(ctx, func(dbtx pgx.Tx) error {
		stored, err := lockTransaction(ctx, dbtx, tx.ID)
		if err != nil {
			return err
		}

		locked, err := lockAccounts(ctx, dbtx, stored.SenderID, stored.ReceiverID)
		if err != nil {
			return err
		}
		sender := locked[stored.SenderID]
		receiver := locked[stored.ReceiverID]

		if !receiver.Active {
			return fmt.Errorf("receiver %s: %w", stored.ReceiverID, storage.ErrNotFound)
		}
		if sender.Reserved < stored.Amount {
			return fmt.Errorf("sender %s reservation below transfer amount", stored.SenderID)
		}

		_, err = dbtx.Exec(ctx,
			"UPDATE accounts SET reserved = reserved - $1, version = version + 1 WHERE id = $2",
			stored.Amount, stored.SenderID)
		if err != nil {
			return fmt.Errorf("reservation release failed: %w", err)
		}
		_, err = dbtx.Exec(ctx,
			"UPDATE accounts SET balance = balance + $1, version = version + 1 WHERE id = $2",
			stored.Amount, stored.ReceiverID)
		if err != nil {
			return fmt.Errorf("receiver credit failed: %w", err)
		}

		now := time.Now().UTC()
		desc := fmt.Sprintf("Settlement for transaction %s", stored.ID)
		batch := &pgx.Batch{}
		batch.Queue(
			`INSERT INTO ledger_entries (entry_id, transaction_id, account_id, debit, credit, description, ts)
			 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
			uuid.New().String(), stored.ID, stored.SenderID, stored.Amount, desc, now)
		batch.Queue(
			`INSERT INTO ledger_entries (entry_id, transaction_id, account_id, debit, credit, description, ts)
			 VALUES ($1, $2, $3, 0, $4, $5, $6)`,
			uuid.New().String(), stored.ID, stored.ReceiverID, stored.Amount, desc, now)
		batch.Queue(
			"UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3",
			models.COMPLETED, now, stored.ID)
		if err := dbtx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("settlement writes failed: %w", err)
		}

		stored.Status = models.COMPLETED
		stored.UpdatedAt = now
		*tx = *stored
		return nil
	})
}

// AbortTransfer compensates a PENDING transaction: the reserved amount
// returns to the sender's balance and the status moves to FAILED.
func (s *Store) AbortTransfer(ctx context.Context, tx *models.Transaction, reason string) error {
	return s.withTx(ctx, func(dbtx pgx.Tx) error {
		stored, err := lockTransaction(ctx, dbtx, tx.ID)
		if err != nil {
			return err
		}

		locked, err := lockAccounts(ctx, dbtx, stored.SenderID)
		if err != nil {
			return err
		}
		if locked[stored.SenderID].Reserved < stored.Amount {
			return fmt.Errorf("sender %s reservation below transfer amount", stored.SenderID)
		}

		_, err = dbtx.Exec(ctx,
			"UPDATE accounts SET balance = balance + $1, reserved = reserved - $1, version = version + 1 WHERE id = $2",
			stored.Amount, stored.SenderID)
		if err != nil {
			return fmt.Errorf("reservation return failed: %w", err)
		}

		now := time.Now().UTC()
		_, err = dbtx.Exec(ctx,
			"UPDATE transactions SET status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4",
			models.FAILED, reason, now, stored.ID)
		if err != nil {
			return fmt.Errorf("transaction abort failed: %w", err)
		}

		stored.Status = models.FAILED
		stored.FailureReason = reason
		stored.UpdatedAt = now
		*tx = *stored
		return nil
	})
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", txID))
}

// GetTransactionByIdempotencyKey resolves the idempotency marker for a
// (sender, key) pair and loads the recorded transaction.
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, senderID, key string) (*models.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 JOIN idempotency_keys ON idempotency_keys.transaction_id = transactions.id
		 WHERE idempotency_keys.pk = $1`,
		senderID+"/"+key))
}

func collectTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Currency, &t.Description,
			&t.Status, &t.FailureReason, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ListTransactionsByAccount returns transactions involving the account,
// newest first. A non-positive limit returns all matches.
func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	limitArg := any(limit)
	if limit <= 0 {
		// LIMIT NULL reads as no limit, matching the other drivers.
		limitArg = nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE sender_id = $1 OR receiver_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		accountID, limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("transaction list failed: %w", err)
	}
	return collectTransactions(rows)
}

// GetStuckTransactions returns transactions that have been PENDING for longer
// than maxAge, oldest first.
func (s *Store) GetStuckTransactions(ctx context.Context, maxAge time.Duration) ([]models.Transaction, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at`,
		models.PENDING, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck transaction query failed: %w", err)
	}
	return collectTransactions(rows)
}

// ListLedgerEntries retrieves an account's ledger entries, most recent first.
func (s *Store) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT entry_id, transaction_id, account_id, debit, credit, description, ts
		 FROM ledger_entries WHERE account_id = $1 ORDER BY ts DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger query failed: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.EntryID, &e.TransactionID, &e.AccountID, &e.Debit, &e.Credit, &e.Description, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
