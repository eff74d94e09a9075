// Package dynamo implements the storage interfaces on AWS DynamoDB. All
// multi-item mutations go through TransactWriteItems with condition
// expressions, so each phase of a transfer is atomic and guarded against
// concurrent writers by per-item version fencing.
package dynamo

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/minitmoney/transfer-service/pkg/storage"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses. It exists
// so tests can substitute a mock.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements the storage interfaces using AWS DynamoDB.
type Store struct {
	Client                DynamoDBAPI
	Logger                *slog.Logger
	AccountsTableName     string
	TransactionsTableName string
	LedgerTableName       string
	IdempotencyTableName  string
}

// New creates a new Store.
func New(client DynamoDBAPI, accountsTable, transactionsTable, ledgerTable, idempotencyTable string) *Store {
	return &Store{
		Client:                client,
		Logger:                slog.Default(),
		AccountsTableName:     accountsTable,
		TransactionsTableName: transactionsTable,
		LedgerTableName:       ledgerTable,
		IdempotencyTableName:  idempotencyTable,
	}
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Make sure we conform to the interface
var _ storage.Storage = (*Store)(nil)
