package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minitmoney/transfer-service/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.DriverBolt, cfg.Driver)
	assert.Equal(t, int64(100_000), cfg.OpeningBalance)
	assert.Equal(t, int64(1_000_000), cfg.MaxTransferAmount)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, time.Minute, cfg.StuckThreshold)
	assert.Equal(t, "USD", cfg.Currency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("OPENING_BALANCE", "5000")
	t.Setenv("LOCK_TIMEOUT", "500ms")
	t.Setenv("STUCK_THRESHOLD", "2m")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(5000), cfg.OpeningBalance)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 2*time.Minute, cfg.StuckThreshold)
}

func TestLoadDriverValidation(t *testing.T) {
	t.Run("PostgresRequiresDatabaseURL", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", config.DriverPostgres)
		_, err := config.Load()
		assert.Error(t, err)

		t.Setenv("DATABASE_URL", "postgres://localhost/transfers")
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, config.DriverPostgres, cfg.Driver)
	})

	t.Run("DynamoDBRequiresTableNames", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", config.DriverDynamoDB)
		_, err := config.Load()
		assert.Error(t, err)

		t.Setenv("DYNAMODB_ACCOUNTS_TABLE_NAME", "accounts")
		t.Setenv("DYNAMODB_TRANSACTIONS_TABLE_NAME", "transactions")
		t.Setenv("DYNAMODB_LEDGER_TABLE_NAME", "ledger")
		t.Setenv("DYNAMODB_IDEMPOTENCY_TABLE_NAME", "idempotency")
		_, err = config.Load()
		assert.NoError(t, err)
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", "etcd")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("MalformedDuration", func(t *testing.T) {
		t.Setenv("LOCK_TIMEOUT", "soon")
		_, err := config.Load()
		assert.Error(t, err)
	})
}
