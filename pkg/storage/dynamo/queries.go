package dynamo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

const (
	stuckTransactionGSI = "status-created_at-index"
	senderIDIndex       = "sender_id-index"
	receiverIDIndex     = "receiver_id-index"
	ledgerAccountGSI    = "account_id-timestamp-index"
)

// GetTransaction retrieves a transaction by its ID.
func (s *Store) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"id": txID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction ID: %w", err)
	}

	result, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.TransactionsTableName),
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, storage.ErrNotFound
	}

	var tx models.Transaction
	if err := attributevalue.UnmarshalMap(result.Item, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	return &tx, nil
}

// GetTransactionByIdempotencyKey resolves the idempotency marker and loads
// the recorded transaction.
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, senderID, key string) (*models.Transaction, error) {
	pk, err := attributevalue.MarshalMap(map[string]string{"pk": idempotencyPK(senderID, key)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal idempotency key: %w", err)
	}

	result, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.IdempotencyTableName),
		Key:       pk,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency marker from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, storage.ErrNotFound
	}

	var marker struct {
		TransactionID string `dynamodbav:"transaction_id"`
	}
	if err := attributevalue.UnmarshalMap(result.Item, &marker); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency marker: %w", err)
	}

	return s.GetTransaction(ctx, marker.TransactionID)
}

// ListTransactionsByAccount merges the sender-side and receiver-side index
// queries and returns the account's transactions newest first.
func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	sent, err := s.queryTransactions(ctx, senderIDIndex, "sender_id", accountID)
	if err != nil {
		return nil, err
	}
	received, err := s.queryTransactions(ctx, receiverIDIndex, "receiver_id", accountID)
	if err != nil {
		return nil, err
	}

	merged := append(sent, received...)
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	if offset >= len(merged) {
		return []models.Transaction{}, nil
	}
	merged = merged[offset:]
	if limit > 0 && limit < len(merged) {
		merged = merged[:limit]
	}
	return merged, nil
}

func (s *Store) queryTransactions(ctx context.Context, index, attr, accountID string) ([]models.Transaction, error) {
	result, err := s.Client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.TransactionsTableName),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :accountID", attr)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":accountID": &types.AttributeValueMemberS{Value: accountID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions by %s: %w", attr, err)
	}

	var transactions []models.Transaction
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &transactions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transactions: %w", err)
	}
	return transactions, nil
}

// GetStuckTransactions retrieves transactions that have been PENDING for
// longer than maxAge.
func (s *Store) GetStuckTransactions(ctx context.Context, maxAge time.Duration) ([]models.Transaction, error) {
	cutoffTime := time.Now().Add(-maxAge)
	cutoffTimeStr, err := cutoffTime.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cutoff time: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.TransactionsTableName),
		IndexName:              aws.String(stuckTransactionGSI),
		KeyConditionExpression: aws.String("#status = :status"),
		FilterExpression:       aws.String("created_at < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(models.PENDING)},
			":cutoff": &types.AttributeValueMemberS{Value: string(cutoffTimeStr)},
		},
	}

	result, err := s.Client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query for stuck transactions: %w", err)
	}

	var transactions []models.Transaction
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &transactions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stuck transactions: %w", err)
	}

	return transactions, nil
}

// ListLedgerEntries returns an account's ledger entries, most recent first.
func (s *Store) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.LedgerTableName),
		IndexName:              aws.String(ledgerAccountGSI),
		KeyConditionExpression: aws.String("account_id = :accountID"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":accountID": &types.AttributeValueMemberS{Value: accountID},
		},
		ScanIndexForward: aws.Bool(false), // Sort by timestamp in descending order
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := s.Client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query for ledger entries: %w", err)
	}

	var entries []models.LedgerEntry
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger entries: %w", err)
	}

	return entries, nil
}
