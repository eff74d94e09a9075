package dynamo_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
	"github.com/minitmoney/transfer-service/pkg/storage/dynamo"
	"github.com/minitmoney/transfer-service/pkg/storage/dynamo/mocks"
)

func newStore(client dynamo.DynamoDBAPI) *dynamo.Store {
	return dynamo.New(client, "accounts", "transactions", "ledger", "idempotency")
}

func mustMarshal(t *testing.T, v interface{}) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(v)
	require.NoError(t, err)
	return item
}

// canceled builds a TransactionCanceledException whose reason at each given
// index is a conditional check failure.
func canceled(total int, failedAt ...int) *types.TransactionCanceledException {
	reasons := make([]types.CancellationReason, total)
	for i := range reasons {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
	}
	for _, i := range failedAt {
		reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

func testAccount(id string, balance int64) *models.Account {
	return &models.Account{
		ID:        id,
		Name:      "test",
		Email:     id + "@example.com",
		Balance:   balance,
		Currency:  "USD",
		Active:    true,
		Version:   3,
		CreatedAt: time.Now().UTC(),
	}
}

func TestGetAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		acct := testAccount("acct-1", 500)
		client.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
			return *in.TableName == "accounts"
		})).Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, acct)}, nil)

		got, err := newStore(client).GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", got.ID)
		assert.Equal(t, int64(500), got.Balance)
		client.AssertExpectations(t)
	})

	t.Run("NotFound", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

		_, err := newStore(client).GetAccount(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			// The account put and the email claim ride in one transaction.
			return len(in.TransactItems) == 2
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil)

		created, err := newStore(client).CreateAccount(ctx, testAccount("acct-1", 500))
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)
		client.AssertExpectations(t)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(2, 1))

		_, err := newStore(client).CreateAccount(ctx, testAccount("acct-1", 500))
		assert.ErrorIs(t, err, storage.ErrDuplicateEmail)
	})
}

func pendingTx(idemKey string) *models.Transaction {
	now := time.Now().UTC()
	return &models.Transaction{
		ID:             "tx-1",
		SenderID:       "acct-a",
		ReceiverID:     "acct-b",
		Amount:         100,
		Currency:       "USD",
		IdempotencyKey: idemKey,
		CreatedAt:      now,
	}
}

func TestReserveTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 500))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			// Debit update, transaction put, idempotency claim.
			return len(in.TransactItems) == 3
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil)

		tx := pendingTx("key-1")
		require.NoError(t, newStore(client).ReserveTransfer(ctx, tx))
		assert.Equal(t, models.PENDING, tx.Status)
		client.AssertExpectations(t)
	})

	t.Run("WithoutIdempotencyKey", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 500))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			return len(in.TransactItems) == 2
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil)

		require.NoError(t, newStore(client).ReserveTransfer(ctx, pendingTx("")))
		client.AssertExpectations(t)
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 500))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(3, 2))

		err := newStore(client).ReserveTransfer(ctx, pendingTx("key-1"))
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		// Version read, then the post-cancellation re-read showing the
		// shortfall.
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 50))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(3, 0)).Once()
		// The FAILED record write.
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

		tx := pendingTx("key-1")
		err := newStore(client).ReserveTransfer(ctx, tx)
		assert.ErrorIs(t, err, storage.ErrInsufficientFunds)
		assert.Equal(t, models.FAILED, tx.Status)
		client.AssertExpectations(t)
	})

	t.Run("InsufficientFundsRecordWriteFailureIsLogged", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 50))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(3, 0)).Once()
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, errors.New("throttled")).Once()

		var logs bytes.Buffer
		store := newStore(client)
		store.Logger = slog.New(slog.NewTextHandler(&logs, nil))

		err := store.ReserveTransfer(ctx, pendingTx("key-1"))
		assert.ErrorIs(t, err, storage.ErrInsufficientFunds)
		assert.Contains(t, logs.String(), "failed to record insufficient-funds outcome")
		client.AssertExpectations(t)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		// The re-read shows enough balance, so the cancellation was the
		// version fence.
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 500))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(3, 0))

		err := newStore(client).ReserveTransfer(ctx, pendingTx("key-1"))
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
	})
}

func TestCommitTransfer(t *testing.T) {
	ctx := context.Background()

	senderItem := func(t *testing.T) map[string]types.AttributeValue {
		return mustMarshal(t, testAccount("acct-a", 400))
	}
	receiverItem := func(t *testing.T) map[string]types.AttributeValue {
		return mustMarshal(t, testAccount("acct-b", 0))
	}
	keyIs := func(id string) func(*dynamodb.GetItemInput) bool {
		return func(in *dynamodb.GetItemInput) bool {
			v, ok := in.Key["id"].(*types.AttributeValueMemberS)
			return ok && v.Value == id
		}
	}

	t.Run("Success", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-a"))).
			Return(&dynamodb.GetItemOutput{Item: senderItem(t)}, nil)
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-b"))).
			Return(&dynamodb.GetItemOutput{Item: receiverItem(t)}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			// Reservation release, receiver credit, two ledger entries,
			// status flip.
			return len(in.TransactItems) == 5
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil)

		tx := pendingTx("")
		tx.Status = models.PENDING
		require.NoError(t, newStore(client).CommitTransfer(ctx, tx))
		assert.Equal(t, models.COMPLETED, tx.Status)
		client.AssertExpectations(t)
	})

	t.Run("AlreadyResolved", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-a"))).
			Return(&dynamodb.GetItemOutput{Item: senderItem(t)}, nil)
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-b"))).
			Return(&dynamodb.GetItemOutput{Item: receiverItem(t)}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(5, 4))

		err := newStore(client).CommitTransfer(ctx, pendingTx(""))
		assert.ErrorIs(t, err, storage.ErrAlreadyResolved)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-a"))).
			Return(&dynamodb.GetItemOutput{Item: senderItem(t)}, nil)
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-b"))).
			Return(&dynamodb.GetItemOutput{Item: receiverItem(t)}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(5, 0))

		err := newStore(client).CommitTransfer(ctx, pendingTx(""))
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
	})

	t.Run("InactiveReceiver", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		inactive := testAccount("acct-b", 0)
		inactive.Active = false
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-a"))).
			Return(&dynamodb.GetItemOutput{Item: senderItem(t)}, nil)
		client.On("GetItem", mock.Anything, mock.MatchedBy(keyIs("acct-b"))).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, inactive)}, nil)

		err := newStore(client).CommitTransfer(ctx, pendingTx(""))
		assert.ErrorIs(t, err, storage.ErrNotFound)
		client.AssertNotCalled(t, "TransactWriteItems", mock.Anything, mock.Anything)
	})
}

func TestAbortTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 400))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			return len(in.TransactItems) == 2
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil)

		tx := pendingTx("")
		require.NoError(t, newStore(client).AbortTransfer(ctx, tx, "commit failed"))
		assert.Equal(t, models.FAILED, tx.Status)
		assert.Equal(t, "commit failed", tx.FailureReason)
	})

	t.Run("AlreadyResolved", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).
			Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, testAccount("acct-a", 400))}, nil)
		client.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, canceled(2, 1))

		err := newStore(client).AbortTransfer(ctx, pendingTx(""), "late")
		assert.ErrorIs(t, err, storage.ErrAlreadyResolved)
	})
}

func TestGetStuckTransactions(t *testing.T) {
	ctx := context.Background()

	client := new(mocks.DynamoDBAPI)
	old := pendingTx("")
	old.Status = models.PENDING
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	client.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return *in.IndexName == "status-created_at-index"
	})).Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{mustMarshal(t, old)}}, nil)

	stuck, err := newStore(client).GetStuckTransactions(ctx, 20*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "tx-1", stuck[0].ID)
	client.AssertExpectations(t)
}

func TestGetTransactionByIdempotencyKey(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		marker := map[string]types.AttributeValue{
			"pk":             &types.AttributeValueMemberS{Value: "acct-a/key-1"},
			"transaction_id": &types.AttributeValueMemberS{Value: "tx-1"},
		}
		client.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
			return *in.TableName == "idempotency"
		})).Return(&dynamodb.GetItemOutput{Item: marker}, nil)
		client.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
			return *in.TableName == "transactions"
		})).Return(&dynamodb.GetItemOutput{Item: mustMarshal(t, pendingTx("key-1"))}, nil)

		got, err := newStore(client).GetTransactionByIdempotencyKey(ctx, "acct-a", "key-1")
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.ID)
	})

	t.Run("UnusedKey", func(t *testing.T) {
		client := new(mocks.DynamoDBAPI)
		client.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

		_, err := newStore(client).GetTransactionByIdempotencyKey(ctx, "acct-a", "unused")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
