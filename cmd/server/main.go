package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/minitmoney/transfer-service/pkg/config"
	"github.com/minitmoney/transfer-service/pkg/events"
	"github.com/minitmoney/transfer-service/pkg/handlers"
	"github.com/minitmoney/transfer-service/pkg/storage"
	"github.com/minitmoney/transfer-service/pkg/storage/bolt"
	"github.com/minitmoney/transfer-service/pkg/storage/dynamo"
	"github.com/minitmoney/transfer-service/pkg/storage/postgres"
	"github.com/minitmoney/transfer-service/pkg/transfer"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer closeStore()

	opts := []transfer.Option{
		transfer.WithLogger(logger),
		transfer.WithMaxAmount(cfg.MaxTransferAmount),
		transfer.WithLockTimeout(cfg.LockTimeout),
	}
	if cfg.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatalf("unable to load SDK config, %v", err)
		}
		publisher := events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL)
		opts = append(opts, transfer.WithPublisher(publisher))
	}
	service := transfer.New(store, opts...)

	// Background recovery pass for transfers left PENDING by a crash.
	// Runs once at startup, then on the configured interval.
	reconciler := service.Reconciler(cfg.StuckThreshold)
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			resolved, err := reconciler.Run(ctx)
			if err != nil {
				logger.Error("reconciliation pass failed", slog.String("error", err.Error()))
			}
			if resolved > 0 {
				logger.Info("reconciliation pass resolved transactions", slog.Int("resolved", resolved))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	accountsHandler := handlers.NewAccountsHandler(store, cfg.OpeningBalance, cfg.Currency)
	transfersHandler := handlers.NewTransfersHandler(service)
	router := handlers.NewRouter(accountsHandler, transfersHandler, logger)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("starting server", slog.String("port", cfg.Port), slog.String("driver", cfg.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
	}
}

// newStore opens the storage backend named by the configuration.
func newStore(ctx context.Context, cfg *config.Config) (storage.Storage, func(), error) {
	switch cfg.Driver {
	case config.DriverBolt:
		store, err := bolt.New(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		store := dynamo.New(client, cfg.AccountsTable, cfg.TransactionsTable, cfg.LedgerTable, cfg.IdempotencyTable)
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
