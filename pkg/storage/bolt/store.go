// Package bolt provides a BoltDB-backed implementation of the storage
// interfaces.
//
// BoltDB is an embedded key/value store; all data lives in a single file and
// every db.Update runs as one serializable transaction. That gives the
// multi-key atomicity the transfer protocol needs without an external
// database process: a reserve or commit either lands all of its writes or
// none of them.
package bolt

import (
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/minitmoney/transfer-service/pkg/storage"
)

var (
	accountsBucket     = []byte("accounts")
	emailIndexBucket   = []byte("account_emails")
	transactionsBucket = []byte("transactions")
	idempotencyBucket  = []byte("idempotency_keys")
	ledgerBucket       = []byte("ledger_entries")
)

// Store wraps a BoltDB database and implements storage.Storage.
type Store struct {
	db *bolt.DB
}

// Make sure we conform to the interface
var _ storage.Storage = (*Store)(nil)

// New opens (or creates) a BoltDB database at the given path and ensures all
// buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, emailIndexBucket, transactionsBucket, idempotencyBucket, ledgerBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// idempotencyKey builds the marker key for a (sender, client key) pair. The
// sender ID is part of the key so two senders may reuse the same client key
// without colliding.
func idempotencyKey(senderID, key string) []byte {
	return []byte(senderID + "/" + key)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
