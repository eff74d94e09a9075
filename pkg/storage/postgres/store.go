// Package postgres implements the storage interfaces on PostgreSQL. Each
// transfer phase runs in one database transaction with row locks acquired in
// sorted account order, so two transfers that are mutual reverses of each
// other cannot deadlock.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store implements the storage interfaces using a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

// Make sure we conform to the interface
var _ storage.Storage = (*Store)(nil)

// New connects to the database and bootstraps the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	return &Store{db: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

const accountColumns = "id, name, email, balance, reserved, currency, active, version, created_at"

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Balance, &a.Reserved, &a.Currency, &a.Active, &a.Version, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a new account. A duplicate email maps to
// storage.ErrDuplicateEmail.
func (s *Store) CreateAccount(ctx context.Context, acct *models.Account) (*models.Account, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO accounts (id, name, email, balance, reserved, currency, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+accountColumns,
		acct.ID, acct.Name, acct.Email, acct.Balance, acct.Reserved, acct.Currency, acct.Active)

	created, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, storage.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return created, nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

// GetAccountByEmail retrieves an account by its unique email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE email = $1", email))
}

// DeactivateAccount marks an account inactive.
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET active = FALSE, version = version + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("account deactivation failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListAccounts retrieves all accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("account list failed: %w", err)
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.Balance, &a.Reserved, &a.Currency, &a.Active, &a.Version, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
