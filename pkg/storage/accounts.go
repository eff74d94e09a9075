package storage

import (
	"context"

	"github.com/minitmoney/transfer-service/pkg/models"
)

// AccountStore defines the interface for managing accounts. Balances are
// owned by the transfer operations; this interface only mutates identity and
// profile state.
type AccountStore interface {
	// CreateAccount creates a new account. The email must be unique.
	CreateAccount(ctx context.Context, acct *models.Account) (*models.Account, error)

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	// GetAccountByEmail retrieves an account by its unique email.
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)

	// DeactivateAccount marks an account inactive. Accounts are never
	// deleted; an inactive account refuses new transfers but keeps its
	// history.
	DeactivateAccount(ctx context.Context, id string) error

	// ListAccounts retrieves all accounts.
	ListAccounts(ctx context.Context) ([]models.Account, error)
}
