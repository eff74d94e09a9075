// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage driver names accepted in STORAGE_DRIVER.
const (
	DriverBolt     = "bolt"
	DriverDynamoDB = "dynamodb"
	DriverPostgres = "postgres"
)

// Config holds all runtime configuration for the service.
type Config struct {
	Port   string
	Driver string

	// bolt
	BoltPath string

	// postgres
	DatabaseURL string

	// dynamodb
	AccountsTable     string
	TransactionsTable string
	LedgerTable       string
	IdempotencyTable  string

	// optional SQS queue for completion events
	SQSQueueURL string

	OpeningBalance    int64
	Currency          string
	MaxTransferAmount int64
	LockTimeout       time.Duration
	ReconcileInterval time.Duration
	StuckThreshold    time.Duration
}

// Load reads configuration from the environment, applying defaults for
// everything except driver-specific connection settings.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("HTTP_PORT", "8080"),
		Driver:            getEnv("STORAGE_DRIVER", DriverBolt),
		BoltPath:          getEnv("BOLT_PATH", "transfers.db"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AccountsTable:     os.Getenv("DYNAMODB_ACCOUNTS_TABLE_NAME"),
		TransactionsTable: os.Getenv("DYNAMODB_TRANSACTIONS_TABLE_NAME"),
		LedgerTable:       os.Getenv("DYNAMODB_LEDGER_TABLE_NAME"),
		IdempotencyTable:  os.Getenv("DYNAMODB_IDEMPOTENCY_TABLE_NAME"),
		SQSQueueURL:       os.Getenv("SQS_QUEUE_URL"),
		Currency:          getEnv("CURRENCY", "USD"),
	}

	var err error
	if cfg.OpeningBalance, err = getEnvInt64("OPENING_BALANCE", 100_000); err != nil {
		return nil, err
	}
	if cfg.MaxTransferAmount, err = getEnvInt64("MAX_TRANSFER_AMOUNT", 1_000_000); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getEnvDuration("LOCK_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getEnvDuration("RECONCILE_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StuckThreshold, err = getEnvDuration("STUCK_THRESHOLD", time.Minute); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case DriverBolt:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverDynamoDB:
		if cfg.AccountsTable == "" || cfg.TransactionsTable == "" || cfg.LedgerTable == "" || cfg.IdempotencyTable == "" {
			return nil, fmt.Errorf("one or more DynamoDB table name environment variables are not set")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.Driver)
	}

	return cfg, nil
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func getEnvDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
