package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
	"github.com/minitmoney/transfer-service/pkg/storage/postgres"
)

// newStore connects to the database named by TEST_DATABASE_URL; the suite is
// skipped when it is unset.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := postgres.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func seedAccount(t *testing.T, store *postgres.Store, balance int64) *models.Account {
	t.Helper()
	acct, err := store.CreateAccount(context.Background(), &models.Account{
		ID:       uuid.New().String(),
		Name:     "test",
		Email:    uuid.New().String() + "@example.com",
		Balance:  balance,
		Currency: "USD",
		Active:   true,
	})
	require.NoError(t, err)
	return acct
}

func pendingTransaction(sender, receiver *models.Account, amount int64) *models.Transaction {
	return &models.Transaction{
		ID:         uuid.New().String(),
		SenderID:   sender.ID,
		ReceiverID: receiver.ID,
		Amount:     amount,
		Currency:   "USD",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestPostgresAccounts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	acct := seedAccount(t, store, 1000)
	assert.Equal(t, int64(1), acct.Version)

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)

	byEmail, err := store.GetAccountByEmail(ctx, acct.Email)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byEmail.ID)

	_, err = store.CreateAccount(ctx, &models.Account{
		ID:    uuid.New().String(),
		Name:  "impostor",
		Email: acct.Email,
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateEmail)

	require.NoError(t, store.DeactivateAccount(ctx, acct.ID))
	got, err = store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, store.DeactivateAccount(ctx, "nope"), storage.ErrNotFound)
}

func TestPostgresTransferCycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sender := seedAccount(t, store, 1000)
	receiver := seedAccount(t, store, 0)

	tx := pendingTransaction(sender, receiver, 400)
	tx.IdempotencyKey = uuid.New().String()
	require.NoError(t, store.ReserveTransfer(ctx, tx))
	assert.Equal(t, models.PENDING, tx.Status)

	mid, err := store.GetAccount(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), mid.Balance)
	assert.Equal(t, int64(400), mid.Reserved)

	// A second reservation under the same key is rejected without touching
	// the balance.
	dup := pendingTransaction(sender, receiver, 400)
	dup.IdempotencyKey = tx.IdempotencyKey
	assert.ErrorIs(t, store.ReserveTransfer(ctx, dup), storage.ErrDuplicateKey)

	require.NoError(t, store.CommitTransfer(ctx, tx))
	assert.Equal(t, models.COMPLETED, tx.Status)
	assert.ErrorIs(t, store.CommitTransfer(ctx, tx), storage.ErrAlreadyResolved)

	gotSender, err := store.GetAccount(ctx, sender.ID)
	require.NoError(t, err)
	gotReceiver, err := store.GetAccount(ctx, receiver.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), gotSender.Balance)
	assert.Equal(t, int64(0), gotSender.Reserved)
	assert.Equal(t, int64(400), gotReceiver.Balance)

	entries, err := store.ListLedgerEntries(ctx, sender.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(400), entries[0].Debit)

	byKey, err := store.GetTransactionByIdempotencyKey(ctx, sender.ID, tx.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byKey.ID)

	// A non-positive limit returns all of the account's transactions.
	all, err := store.ListTransactionsByAccount(ctx, sender.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, tx.ID, all[0].ID)
}

func TestPostgresAbortAndRecoveryQueries(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sender := seedAccount(t, store, 1000)
	receiver := seedAccount(t, store, 0)

	stuck := pendingTransaction(sender, receiver, 300)
	stuck.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, store.ReserveTransfer(ctx, stuck))

	found, err := store.GetStuckTransactions(ctx, time.Minute)
	require.NoError(t, err)
	ids := make([]string, len(found))
	for i, tx := range found {
		ids[i] = tx.ID
	}
	assert.Contains(t, ids, stuck.ID)

	require.NoError(t, store.AbortTransfer(ctx, stuck, "recovered"))
	assert.Equal(t, models.FAILED, stuck.Status)

	got, err := store.GetAccount(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)
	assert.Equal(t, int64(0), got.Reserved)
}

func TestPostgresInsufficientFunds(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sender := seedAccount(t, store, 100)
	receiver := seedAccount(t, store, 0)

	tx := pendingTransaction(sender, receiver, 500)
	tx.IdempotencyKey = uuid.New().String()
	assert.ErrorIs(t, store.ReserveTransfer(ctx, tx), storage.ErrInsufficientFunds)
	assert.Equal(t, models.FAILED, tx.Status)

	// The FAILED attempt is recorded and claims the key.
	byKey, err := store.GetTransactionByIdempotencyKey(ctx, sender.ID, tx.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.FAILED, byKey.Status)

	got, err := store.GetAccount(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, int64(0), got.Reserved)
}
