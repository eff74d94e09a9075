package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
)

const defaultListLimit = 50

// AccountsHandler holds the dependencies for account-related handlers.
type AccountsHandler struct {
	Store          storage.Storage
	OpeningBalance int64
	Currency       string
}

// NewAccountsHandler creates a new AccountsHandler. New accounts open with
// openingBalance minor units of currency.
func NewAccountsHandler(store storage.Storage, openingBalance int64, currency string) *AccountsHandler {
	return &AccountsHandler{Store: store, OpeningBalance: openingBalance, Currency: currency}
}

// NewAccount is the request body for account creation.
type NewAccount struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateAccount handles the logic for creating a new account.
func (h *AccountsHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	timer := prometheusTimer("POST", "/accounts")
	defer timer.ObserveDuration()

	var newAcct NewAccount
	if err := json.NewDecoder(r.Body).Decode(&newAcct); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err), "POST", "/accounts")
		return
	}
	if newAcct.Name == "" || newAcct.Email == "" {
		respondError(w, http.StatusUnprocessableEntity, "Name and email are required", "POST", "/accounts")
		return
	}

	acct := &models.Account{
		ID:        uuid.New().String(),
		Name:      newAcct.Name,
		Email:     newAcct.Email,
		Balance:   h.OpeningBalance,
		Currency:  h.Currency,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	created, err := h.Store.CreateAccount(r.Context(), acct)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			respondError(w, http.StatusConflict, "Email already registered", "POST", "/accounts")
		} else {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create account: %v", err), "POST", "/accounts")
		}
		return
	}

	respondJSON(w, http.StatusCreated, created, "POST", "/accounts")
}

// GetAccountById handles the logic for retrieving an account by its ID.
func (h *AccountsHandler) GetAccountById(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	acct, err := h.Store.GetAccount(r.Context(), accountID)
	if err != nil {
		respondError(w, statusFromError(err), fmt.Sprintf("Failed to retrieve account: %v", err), "GET", "/accounts/{accountId}")
		return
	}

	respondJSON(w, http.StatusOK, acct, "GET", "/accounts/{accountId}")
}

// ListAccounts handles the logic for retrieving all accounts.
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve accounts: %v", err), "GET", "/accounts")
		return
	}

	respondJSON(w, http.StatusOK, accounts, "GET", "/accounts")
}

// DeactivateAccount handles the logic for deactivating an account. Accounts
// are never deleted; a deactivated account keeps its history.
func (h *AccountsHandler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	if err := h.Store.DeactivateAccount(r.Context(), accountID); err != nil {
		respondError(w, statusFromError(err), fmt.Sprintf("Failed to deactivate account: %v", err), "DELETE", "/accounts/{accountId}")
		return
	}

	httpReqTotal.WithLabelValues("DELETE", "/accounts/{accountId}", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// ListLedgerEntries handles the logic for retrieving an account's ledger.
func (h *AccountsHandler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	limit := queryInt(r, "limit", defaultListLimit)

	if _, err := h.Store.GetAccount(r.Context(), accountID); err != nil {
		respondError(w, statusFromError(err), fmt.Sprintf("Failed to retrieve account: %v", err), "GET", "/accounts/{accountId}/ledger")
		return
	}

	entries, err := h.Store.ListLedgerEntries(r.Context(), accountID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve ledger: %v", err), "GET", "/accounts/{accountId}/ledger")
		return
	}

	respondJSON(w, http.StatusOK, entries, "GET", "/accounts/{accountId}/ledger")
}
