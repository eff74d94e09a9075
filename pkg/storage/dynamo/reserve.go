package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

// idempotencyPK builds the idempotency table key for a (sender, client key)
// pair.
func idempotencyPK(senderID, key string) string {
	return senderID + "/" + key
}

// ReserveTransfer atomically moves the amount from the sender's balance into
// its reserved holding and records the PENDING transaction plus its
// idempotency marker. The balance check rides in the same condition
// expression as the debit, so concurrent reservations cannot both pass it.
func (s *Store) ReserveTransfer(ctx context.Context, tx *models.Transaction) error {
	sender, err := s.GetAccount(ctx, tx.SenderID)
	if err != nil {
		return fmt.Errorf("failed to get sender's account: %w", err)
	}

	tx.Status = models.PENDING
	tx.UpdatedAt = tx.CreatedAt

	txAV, err := attributevalue.MarshalMap(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	amountAV, err := attributevalue.Marshal(tx.Amount)
	if err != nil {
		return fmt.Errorf("failed to marshal amount: %w", err)
	}

	items := []types.TransactWriteItem{
		{
			// Operation 0: debit the sender's balance into reserved.
			Update: &types.Update{
				TableName: aws.String(s.AccountsTableName),
				Key: map[string]types.AttributeValue{
					"id": &types.AttributeValueMemberS{Value: tx.SenderID},
				},
				UpdateExpression:    aws.String("SET balance = balance - :amount, reserved = reserved + :amount, version = version + :inc"),
				ConditionExpression: aws.String("balance >= :amount AND version = :version AND active = :true"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":amount":  amountAV,
					":version": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", sender.Version)},
					":inc":     &types.AttributeValueMemberN{Value: "1"},
					":true":    &types.AttributeValueMemberBOOL{Value: true},
				},
			},
		},
		{
			// Operation 1: create the PENDING transaction record.
			Put: &types.Put{
				TableName:           aws.String(s.TransactionsTableName),
				Item:                txAV,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			},
		},
	}
	if tx.IdempotencyKey != "" {
		// Operation 2: claim the idempotency key.
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.IdempotencyTableName),
				Item: map[string]types.AttributeValue{
					"pk":             &types.AttributeValueMemberS{Value: idempotencyPK(tx.SenderID, tx.IdempotencyKey)},
					"transaction_id": &types.AttributeValueMemberS{Value: tx.ID},
				},
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			},
		})
	}

	_, err = s.Client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return fmt.Errorf("failed to execute reservation: %w", err)
	}

	if reasonFailed(tce, 2) {
		return storage.ErrDuplicateKey
	}
	if reasonFailed(tce, 0) {
		// The sender condition covers balance, version, and active; re-read
		// to tell a genuine shortfall from a version fence.
		current, getErr := s.GetAccount(ctx, tx.SenderID)
		if getErr == nil && current.Active && current.Balance < tx.Amount {
			s.recordFailedReservation(ctx, tx)
			return storage.ErrInsufficientFunds
		}
		return storage.ErrVersionConflict
	}
	return fmt.Errorf("failed to execute reservation: %w", err)
}

// recordFailedReservation writes the FAILED transaction and idempotency
// marker after an insufficient-funds rejection, so a retry under the same
// key replays the outcome instead of re-executing. Best-effort: a duplicate
// record here only means another writer already recorded the attempt, and
// any other failure is logged, since a retry re-checks funds anyway.
func (s *Store) recordFailedReservation(ctx context.Context, tx *models.Transaction) {
	tx.Status = models.FAILED
	tx.FailureReason = storage.ErrInsufficientFunds.Error()

	txAV, err := attributevalue.MarshalMap(tx)
	if err != nil {
		s.logger().Warn("failed to marshal insufficient-funds record",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()))
		return
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(s.TransactionsTableName),
				Item:                txAV,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			},
		},
	}
	if tx.IdempotencyKey != "" {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.IdempotencyTableName),
				Item: map[string]types.AttributeValue{
					"pk":             &types.AttributeValueMemberS{Value: idempotencyPK(tx.SenderID, tx.IdempotencyKey)},
					"transaction_id": &types.AttributeValueMemberS{Value: tx.ID},
				},
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			},
		})
	}

	if _, err := s.Client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			// Another writer already recorded the attempt.
			return
		}
		s.logger().Warn("failed to record insufficient-funds outcome",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()))
	}
}

// reasonFailed reports whether the cancellation reason at index i is a
// conditional check failure.
func reasonFailed(tce *types.TransactionCanceledException, i int) bool {
	if i >= len(tce.CancellationReasons) {
		return false
	}
	code := tce.CancellationReasons[i].Code
	return code != nil && *code == "ConditionalCheckFailed"
}
