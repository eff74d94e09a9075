package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

// ReserveTransfer atomically checks and debits the sender's balance into its
// reserved holding and records the PENDING transaction together with its
// idempotency marker. The balance check happens inside the write transaction,
// so two concurrent reservations can never both pass it. On insufficient
// funds the transaction is recorded FAILED with its marker.
func (s *Store) ReserveTransfer(ctx context.Context, tx *models.Transaction) error {
	var insufficient bool
	err := s.db.Update(func(btx *bolt.Tx) error {
		transactions := btx.Bucket(transactionsBucket)
		idem := btx.Bucket(idempotencyBucket)

		if tx.IdempotencyKey != "" {
			if existing := idem.Get(idempotencyKey(tx.SenderID, tx.IdempotencyKey)); existing != nil {
				return storage.ErrDuplicateKey
			}
		}
		if transactions.Get([]byte(tx.ID)) != nil {
			return fmt.Errorf("transaction %s already exists", tx.ID)
		}

		sender, err := getAccountTx(btx, tx.SenderID)
		if err != nil {
			return fmt.Errorf("load sender %s: %w", tx.SenderID, err)
		}

		if sender.Balance < tx.Amount {
			insufficient = true
			return nil
		}

		sender.Balance -= tx.Amount
		sender.Reserved += tx.Amount
		if err := putAccountTx(btx, sender); err != nil {
			return err
		}

		tx.Status = models.PENDING
		tx.UpdatedAt = tx.CreatedAt
		return s.recordTransactionTx(btx, tx)
	})
	if err != nil {
		return err
	}
	if !insufficient {
		return nil
	}

	// The FAILED record goes in its own write transaction: returning the
	// sentinel from inside db.Update would roll the record back with it.
	tx.Status = models.FAILED
	tx.FailureReason = storage.ErrInsufficientFunds.Error()
	tx.UpdatedAt = tx.CreatedAt
	err = s.db.Update(func(btx *bolt.Tx) error {
		if tx.IdempotencyKey != "" {
			if existing := btx.Bucket(idempotencyBucket).Get(idempotencyKey(tx.SenderID, tx.IdempotencyKey)); existing != nil {
				return storage.ErrDuplicateKey
			}
		}
		return s.recordTransactionTx(btx, tx)
	})
	if err != nil {
		return err
	}
	return storage.ErrInsufficientFunds
}

// recordTransactionTx writes the transaction and, when present, its
// idempotency marker inside an open bolt transaction.
func (s *Store) recordTransactionTx(btx *bolt.Tx, tx *models.Transaction) error {
	if err := putJSON(btx.Bucket(transactionsBucket), []byte(tx.ID), tx); err != nil {
		return err
	}
	if tx.IdempotencyKey != "" {
		if err := btx.Bucket(idempotencyBucket).Put(idempotencyKey(tx.SenderID, tx.IdempotencyKey), []byte(tx.ID)); err != nil {
			return err
		}
	}
	return nil
}

// CommitTransfer settles a PENDING transaction: the sender's reservation is
// released, the receiver is credited, both ledger entries are written, and
// the status moves to COMPLETED, all in one atomic unit.
func (s *Store) CommitTransfer(ctx context.Context, tx *models.Transaction) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		stored, err := getTransactionTx(btx, tx.ID)
		if err != nil {
			return err
		}
		if stored.Status != models.PENDING {
			return storage.ErrAlreadyResolved
		}

		sender, err := getAccountTx(btx, stored.SenderID)
		if err != nil {
			return fmt.Errorf("load sender %s: %w", stored.SenderID, err)
		}
		receiver, err := getAccountTx(btx, stored.ReceiverID)
		if err != nil {
			return fmt.Errorf("load receiver %s: %w", stored.ReceiverID, err)
		}
		if !receiver.Active {
			return fmt.Errorf("receiver %s: %w", stored.ReceiverID, storage.ErrNotFound)
		}
		if sender.Reserved < stored.Amount {
			return fmt.Errorf("sender %s reservation below transfer amount", stored.SenderID)
		}

		sender.Reserved -= stored.Amount
		receiver.Balance += stored.Amount
		if err := putAccountTx(btx, sender); err != nil {
			return err
		}
		if err := putAccountTx(btx, receiver); err != nil {
			return err
		}

		now := time.Now().UTC()
		desc := fmt.Sprintf("Settlement for transaction %s", stored.ID)
		debit := models.LedgerEntry{
			EntryID:       uuid.New().String(),
			TransactionID: stored.ID,
			AccountID:     stored.SenderID,
			Debit:         stored.Amount,
			Description:   desc,
			Timestamp:     now,
		}
		credit := models.LedgerEntry{
			EntryID:       uuid.New().String(),
			TransactionID: stored.ID,
			AccountID:     stored.ReceiverID,
			Credit:        stored.Amount,
			Description:   desc,
			Timestamp:     now,
		}
		ledger := btx.Bucket(ledgerBucket)
		if err := putJSON(ledger, ledgerEntryKey(&debit), &debit); err != nil {
			return err
		}
		if err := putJSON(ledger, ledgerEntryKey(&credit), &credit); err != nil {
			return err
		}

		stored.Status = models.COMPLETED
		stored.UpdatedAt = now
		if err := putJSON(btx.Bucket(transactionsBucket), []byte(stored.ID), stored); err != nil {
			return err
		}

		*tx = *stored
		return nil
	})
}

// AbortTransfer compensates a PENDING transaction: the reserved amount
// returns to the sender's balance and the status moves to FAILED.
func (s *Store) AbortTransfer(ctx context.Context, tx *models.Transaction, reason string) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		stored, err := getTransactionTx(btx, tx.ID)
		if err != nil {
			return err
		}
		if stored.Status != models.PENDING {
			return storage.ErrAlreadyResolved
		}

		sender, err := getAccountTx(btx, stored.SenderID)
		if err != nil {
			return fmt.Errorf("load sender %s: %w", stored.SenderID, err)
		}
		if sender.Reserved < stored.Amount {
			return fmt.Errorf("sender %s reservation below transfer amount", stored.SenderID)
		}

		sender.Reserved -= stored.Amount
		sender.Balance += stored.Amount
		if err := putAccountTx(btx, sender); err != nil {
			return err
		}

		stored.Status = models.FAILED
		stored.FailureReason = reason
		stored.UpdatedAt = time.Now().UTC()
		if err := putJSON(btx.Bucket(transactionsBucket), []byte(stored.ID), stored); err != nil {
			return err
		}

		*tx = *stored
		return nil
	})
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	var result *models.Transaction

	err := s.db.View(func(btx *bolt.Tx) error {
		stored, err := getTransactionTx(btx, txID)
		if err != nil {
			return err
		}
		result = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetTransactionByIdempotencyKey resolves the idempotency marker for a
// (sender, key) pair and loads the recorded transaction.
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, senderID, key string) (*models.Transaction, error) {
	var result *models.Transaction

	err := s.db.View(func(btx *bolt.Tx) error {
		txID := btx.Bucket(idempotencyBucket).Get(idempotencyKey(senderID, key))
		if txID == nil {
			return storage.ErrNotFound
		}
		stored, err := getTransactionTx(btx, string(txID))
		if err != nil {
			return err
		}
		result = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListTransactionsByAccount returns transactions involving the account,
// newest first.
func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	var matches []models.Transaction

	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(transactionsBucket).ForEach(func(k, v []byte) error {
			var tx models.Transaction
			if err := json.Unmarshal(v, &tx); err != nil {
				return err
			}
			if tx.SenderID == accountID || tx.ReceiverID == accountID {
				matches = append(matches, tx)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if offset >= len(matches) {
		return []models.Transaction{}, nil
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetStuckTransactions returns transactions that have been PENDING for longer
// than maxAge.
func (s *Store) GetStuckTransactions(ctx context.Context, maxAge time.Duration) ([]models.Transaction, error) {
	cutoff := time.Now().Add(-maxAge)
	var stuck []models.Transaction

	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(transactionsBucket).ForEach(func(k, v []byte) error {
			var tx models.Transaction
			if err := json.Unmarshal(v, &tx); err != nil {
				return err
			}
			if tx.Status == models.PENDING && tx.CreatedAt.Before(cutoff) {
				stuck = append(stuck, tx)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return stuck, nil
}

// ListLedgerEntries returns an account's ledger entries, most recent first.
func (s *Store) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	prefix := []byte(accountID + "/")
	var entries []models.LedgerEntry

	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(ledgerBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry models.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys sort ascending by timestamp; reverse for most-recent-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return entries, nil
}

func getTransactionTx(btx *bolt.Tx, txID string) (*models.Transaction, error) {
	v := btx.Bucket(transactionsBucket).Get([]byte(txID))
	if v == nil {
		return nil, storage.ErrNotFound
	}
	var tx models.Transaction
	if err := json.Unmarshal(v, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ledgerEntryKey orders an account's entries by timestamp within the bucket.
func ledgerEntryKey(e *models.LedgerEntry) []byte {
	return []byte(e.AccountID + "/" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + e.EntryID)
}
