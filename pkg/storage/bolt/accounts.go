package bolt

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

// CreateAccount persists a new account and its email index entry. Creation
// is idempotent on the account ID: if the ID already exists the stored
// account is returned unchanged and no write is performed.
func (s *Store) CreateAccount(ctx context.Context, acct *models.Account) (*models.Account, error) {
	var result models.Account

	err := s.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(accountsBucket)
		emails := tx.Bucket(emailIndexBucket)

		if existing := accounts.Get([]byte(acct.ID)); existing != nil {
			return json.Unmarshal(existing, &result)
		}

		if owner := emails.Get([]byte(acct.Email)); owner != nil {
			return storage.ErrDuplicateEmail
		}

		if acct.CreatedAt.IsZero() {
			acct.CreatedAt = time.Now().UTC()
		}
		acct.Version = 1

		if err := putJSON(accounts, []byte(acct.ID), acct); err != nil {
			return err
		}
		if err := emails.Put([]byte(acct.Email), []byte(acct.ID)); err != nil {
			return err
		}
		result = *acct
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// GetAccount retrieves an account by ID. Returns storage.ErrNotFound if the
// account does not exist.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var acct models.Account

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(accountsBucket).Get([]byte(id))
		if v == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(v, &acct)
	})
	if err != nil {
		return nil, err
	}

	return &acct, nil
}

// GetAccountByEmail resolves the email index and loads the account.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var acct models.Account

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(emailIndexBucket).Get([]byte(email))
		if id == nil {
			return storage.ErrNotFound
		}
		v := tx.Bucket(accountsBucket).Get(id)
		if v == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(v, &acct)
	})
	if err != nil {
		return nil, err
	}

	return &acct, nil
}

// DeactivateAccount marks an account inactive. Deactivating an already
// inactive account is a no-op.
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(accountsBucket)
		v := accounts.Get([]byte(id))
		if v == nil {
			return storage.ErrNotFound
		}

		var acct models.Account
		if err := json.Unmarshal(v, &acct); err != nil {
			return err
		}
		if !acct.Active {
			return nil
		}

		acct.Active = false
		acct.Version++
		return putJSON(accounts, []byte(id), &acct)
	})
}

// ListAccounts retrieves all accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			var acct models.Account
			if err := json.Unmarshal(v, &acct); err != nil {
				return err
			}
			accounts = append(accounts, acct)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if accounts == nil {
		accounts = []models.Account{}
	}
	return accounts, nil
}

// getAccountTx loads an account inside an open bolt transaction.
func getAccountTx(tx *bolt.Tx, id string) (*models.Account, error) {
	v := tx.Bucket(accountsBucket).Get([]byte(id))
	if v == nil {
		return nil, storage.ErrNotFound
	}
	var acct models.Account
	if err := json.Unmarshal(v, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// putAccountTx stores an account inside an open bolt transaction, bumping its
// version.
func putAccountTx(tx *bolt.Tx, acct *models.Account) error {
	acct.Version++
	return putJSON(tx.Bucket(accountsBucket), []byte(acct.ID), acct)
}
