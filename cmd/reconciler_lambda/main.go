package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"

	"github.com/minitmoney/transfer-service/pkg/storage/dynamo"
	"github.com/minitmoney/transfer-service/pkg/transfer"
)

var reconciler *transfer.Reconciler

const stuckTransactionThreshold = 5 * time.Minute

func init() {
	// Load environment variables for local testing.
	godotenv.Load()

	cfg, err := awsconfig.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	accountsTable := os.Getenv("DYNAMODB_ACCOUNTS_TABLE_NAME")
	transactionsTable := os.Getenv("DYNAMODB_TRANSACTIONS_TABLE_NAME")
	ledgerTable := os.Getenv("DYNAMODB_LEDGER_TABLE_NAME")
	idempotencyTable := os.Getenv("DYNAMODB_IDEMPOTENCY_TABLE_NAME")
	if accountsTable == "" || transactionsTable == "" || ledgerTable == "" || idempotencyTable == "" {
		log.Fatal("One or more DynamoDB table name environment variables are not set")
	}

	store := dynamo.New(dynamodb.NewFromConfig(cfg), accountsTable, transactionsTable, ledgerTable, idempotencyTable)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reconciler = transfer.NewReconciler(store, logger, stuckTransactionThreshold)
}

// HandleRequest is triggered by an EventBridge Schedule. It resolves
// transactions left PENDING by a crashed or partitioned server: settlement is
// retried, and transactions that can no longer settle are compensated.
func HandleRequest(ctx context.Context) error {
	log.Println("Starting reconciliation process for stuck transactions...")

	resolved, err := reconciler.Run(ctx)
	if err != nil {
		log.Printf("ERROR: reconciliation pass failed: %v", err)
		return err
	}

	log.Printf("Reconciliation process finished, resolved %d transactions.", resolved)
	return nil
}

func main() {
	lambda.Start(HandleRequest)
}
