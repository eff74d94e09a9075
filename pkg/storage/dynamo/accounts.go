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

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

// emailGuardID builds the key of the marker item that claims an email inside
// the accounts table. The marker shares the table so account-plus-claim can
// be written in one TransactWriteItems call.
func emailGuardID(email string) string {
	return "EMAIL#" + email
}

// CreateAccount writes the account and its email claim atomically. Both puts
// are conditional, so a duplicate ID or an already-claimed email cancels the
// whole transaction.
func (s *Store) CreateAccount(ctx context.Context, acct *models.Account) (*models.Account, error) {
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	acct.Version = 1

	acctAV, err := attributevalue.MarshalMap(acct)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.AccountsTableName),
					Item:                acctAV,
					ConditionExpression: aws.String("attribute_not_exists(id)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.AccountsTableName),
					Item: map[string]types.AttributeValue{
						"id":         &types.AttributeValueMemberS{Value: emailGuardID(acct.Email)},
						"account_id": &types.AttributeValueMemberS{Value: acct.ID},
					},
					ConditionExpression: aws.String("attribute_not_exists(id)"),
				},
			},
		},
	}

	if _, err := s.Client.TransactWriteItems(ctx, input); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && len(tce.CancellationReasons) == 2 {
			if code := tce.CancellationReasons[1].Code; code != nil && *code == "ConditionalCheckFailed" {
				return nil, storage.ErrDuplicateEmail
			}
		}
		return nil, fmt.Errorf("failed to create account in DynamoDB: %w", err)
	}

	return acct, nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account ID: %w", err)
	}

	result, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.AccountsTableName),
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, storage.ErrNotFound
	}

	var acct models.Account
	if err := attributevalue.UnmarshalMap(result.Item, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	return &acct, nil
}

// GetAccountByEmail resolves the email claim and loads the account.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"id": emailGuardID(email)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email key: %w", err)
	}

	result, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.AccountsTableName),
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get email claim from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, storage.ErrNotFound
	}

	var claim struct {
		AccountID string `dynamodbav:"account_id"`
	}
	if err := attributevalue.UnmarshalMap(result.Item, &claim); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email claim: %w", err)
	}

	return s.GetAccount(ctx, claim.AccountID)
}

// DeactivateAccount marks an account inactive.
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.AccountsTableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:    aws.String("SET active = :false, version = version + :inc"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":inc":   &types.AttributeValueMemberN{Value: "1"},
		},
	}

	if _, err := s.Client.UpdateItem(ctx, input); err != nil {
		var condCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckFailed) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to deactivate account in DynamoDB: %w", err)
	}

	return nil
}

// ListAccounts retrieves all accounts. Email claim markers are filtered out
// by requiring the balance attribute only real accounts carry.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	result, err := s.Client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.AccountsTableName),
		FilterExpression: aws.String("attribute_exists(balance)"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan accounts table: %w", err)
	}

	var accounts []models.Account
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &accounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal accounts: %w", err)
	}

	return accounts, nil
}
