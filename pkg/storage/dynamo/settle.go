package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

// CommitTransfer performs the final atomic settlement of a PENDING
// transaction: release the sender's reservation, credit the receiver, write
// both ledger entries, and flip the status to COMPLETED. The status
// condition makes a replay by another process cancel cleanly instead of
// applying twice.
func (s *Store) CommitTransfer(ctx context.Context, tx *models.Transaction) error {
	sender, err := s.GetAccount(ctx, tx.SenderID)
	if err != nil {
		return fmt.Errorf("failed to get sender's account for settlement: %w", err)
	}
	receiver, err := s.GetAccount(ctx, tx.ReceiverID)
	if err != nil {
		return fmt.Errorf("failed to get receiver's account for settlement: %w", err)
	}
	if !receiver.Active {
		return fmt.Errorf("receiver %s inactive: %w", tx.ReceiverID, storage.ErrNotFound)
	}

	now := time.Now().UTC()
	amountAV, err := attributevalue.Marshal(tx.Amount)
	if err != nil {
		return fmt.Errorf("failed to marshal amount for settlement: %w", err)
	}

	desc := fmt.Sprintf("Settlement for transaction %s", tx.ID)
	debitEntry := models.LedgerEntry{
		EntryID:       uuid.New().String(),
		TransactionID: tx.ID,
		AccountID:     tx.SenderID,
		Debit:         tx.Amount,
		Description:   desc,
		Timestamp:     now,
		GSI1PK:        "LEDGER_ENTRIES",
	}
	creditEntry := models.LedgerEntry{
		EntryID:       uuid.New().String(),
		TransactionID: tx.ID,
		AccountID:     tx.ReceiverID,
		Credit:        tx.Amount,
		Description:   desc,
		Timestamp:     now,
		GSI1PK:        "LEDGER_ENTRIES",
	}
	debitAV, err := attributevalue.MarshalMap(debitEntry)
	if err != nil {
		return fmt.Errorf("failed to marshal debit entry: %w", err)
	}
	creditAV, err := attributevalue.MarshalMap(creditEntry)
	if err != nil {
		return fmt.Errorf("failed to marshal credit entry: %w", err)
	}
	nowAV, err := attributevalue.Marshal(now)
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp for status update: %w", err)
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				// Operation 0: release the sender's reservation.
				Update: &types.Update{
					TableName:           aws.String(s.AccountsTableName),
					Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: tx.SenderID}},
					UpdateExpression:    aws.String("SET reserved = reserved - :amount, version = version + :inc"),
					ConditionExpression: aws.String("reserved >= :amount AND version = :version"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":amount":  amountAV,
						":version": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", sender.Version)},
						":inc":     &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
			{
				// Operation 1: credit the receiver.
				Update: &types.Update{
					TableName:           aws.String(s.AccountsTableName),
					Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: tx.ReceiverID}},
					UpdateExpression:    aws.String("SET balance = balance + :amount, version = version + :inc"),
					ConditionExpression: aws.String("version = :version"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":amount":  amountAV,
						":version": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", receiver.Version)},
						":inc":     &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
			{
				// Operation 2: debit ledger entry.
				Put: &types.Put{
					TableName:           aws.String(s.LedgerTableName),
					Item:                debitAV,
					ConditionExpression: aws.String("attribute_not_exists(entry_id)"),
				},
			},
			{
				// Operation 3: credit ledger entry.
				Put: &types.Put{
					TableName:           aws.String(s.LedgerTableName),
					Item:                creditAV,
					ConditionExpression: aws.String("attribute_not_exists(entry_id)"),
				},
			},
			{
				// Operation 4: PENDING -> COMPLETED.
				Update: &types.Update{
					TableName:           aws.String(s.TransactionsTableName),
					Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: tx.ID}},
					UpdateExpression:    aws.String("SET #status = :completed, updated_at = :now"),
					ConditionExpression: aws.String("#status = :pending"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":completed": &types.AttributeValueMemberS{Value: string(models.COMPLETED)},
						":pending":   &types.AttributeValueMemberS{Value: string(models.PENDING)},
						":now":       nowAV,
					},
				},
			},
		},
	}

	if _, err := s.Client.TransactWriteItems(ctx, input); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			if reasonFailed(tce, 4) {
				return storage.ErrAlreadyResolved
			}
			if reasonFailed(tce, 0) || reasonFailed(tce, 1) {
				return storage.ErrVersionConflict
			}
		}
		return fmt.Errorf("failed to execute settlement: %w", err)
	}

	tx.Status = models.COMPLETED
	tx.UpdatedAt = now
	return nil
}

// AbortTransfer compensates a PENDING transaction: the reserved amount goes
// back to the sender's balance and the status flips to FAILED.
func (s *Store) AbortTransfer(ctx context.Context, tx *models.Transaction, reason string) error {
	sender, err := s.GetAccount(ctx, tx.SenderID)
	if err != nil {
		return fmt.Errorf("failed to get sender's account for abort: %w", err)
	}

	now := time.Now().UTC()
	amountAV, err := attributevalue.Marshal(tx.Amount)
	if err != nil {
		return fmt.Errorf("failed to marshal amount for abort: %w", err)
	}
	nowAV, err := attributevalue.Marshal(now)
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp for abort: %w", err)
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(s.AccountsTableName),
					Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: tx.SenderID}},
					UpdateExpression:    aws.String("SET balance = balance + :amount, reserved = reserved - :amount, version = version + :inc"),
					ConditionExpression: aws.String("reserved >= :amount AND version = :version"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":amount":  amountAV,
						":version": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", sender.Version)},
						":inc":     &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(s.TransactionsTableName),
					Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: tx.ID}},
					UpdateExpression:    aws.String("SET #status = :failed, failure_reason = :reason, updated_at = :now"),
					ConditionExpression: aws.String("#status = :pending"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":failed":  &types.AttributeValueMemberS{Value: string(models.FAILED)},
						":pending": &types.AttributeValueMemberS{Value: string(models.PENDING)},
						":reason":  &types.AttributeValueMemberS{Value: reason},
						":now":     nowAV,
					},
				},
			},
		},
	}

	if _, err := s.Client.TransactWriteItems(ctx, input); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			if reasonFailed(tce, 1) {
				return storage.ErrAlreadyResolved
			}
			if reasonFailed(tce, 0) {
				return storage.ErrVersionConflict
			}
		}
		return fmt.Errorf("failed to execute abort: %w", err)
	}

	tx.Status = models.FAILED
	tx.FailureReason = reason
	tx.UpdatedAt = now
	return nil
}
