package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minitmoney/transfer-service/pkg/models"
	"github.com/minitmoney/transfer-service/pkg/storage"
	"github.com/minitmoney/transfer-service/pkg/transfer"
)

// TransferService is the part of the transfer service the HTTP layer needs.
type TransferService interface {
	SubmitTransfer(ctx context.Context, req models.TransferRequest) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error)
}

// TransfersHandler holds the dependencies for transfer-related handlers.
type TransfersHandler struct {
	Service TransferService
}

// NewTransfersHandler creates a new TransfersHandler.
func NewTransfersHandler(service TransferService) *TransfersHandler {
	return &TransfersHandler{Service: service}
}

// SubmitTransfer handles the logic for submitting a new transfer. The
// Idempotency-Key header, when present, makes retries of the same submission
// safe; a replayed submission returns the previously recorded transaction
// with 200 instead of 201.
func (h *TransfersHandler) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheusTimer("POST", "/transfers")
	defer timer.ObserveDuration()

	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err), "POST", "/transfers")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	start := time.Now().UTC()
	tx, err := h.Service.SubmitTransfer(r.Context(), req)
	if err != nil {
		transfersTotal.WithLabelValues("rejected").Inc()
		status := statusFromError(err)
		// A FAILED transaction was still recorded for insufficient funds;
		// return it so the client can see the attempt.
		if errors.Is(err, storage.ErrInsufficientFunds) && tx != nil {
			respondJSON(w, status, tx, "POST", "/transfers")
			return
		}
		respondError(w, status, err.Error(), "POST", "/transfers")
		return
	}

	transfersTotal.WithLabelValues("completed").Inc()
	// A transaction created before this request began is an idempotent
	// replay of an earlier submission.
	status := http.StatusCreated
	if tx.CreatedAt.Before(start) {
		status = http.StatusOK
	}
	respondJSON(w, status, tx, "POST", "/transfers")
}

// GetTransactionById handles the logic for retrieving a transaction by its ID.
func (h *TransfersHandler) GetTransactionById(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionId")

	tx, err := h.Service.GetTransaction(r.Context(), transactionID)
	if err != nil {
		respondError(w, statusFromError(err), fmt.Sprintf("Failed to retrieve transaction: %v", err), "GET", "/transfers/{transactionId}")
		return
	}

	respondJSON(w, http.StatusOK, tx, "GET", "/transfers/{transactionId}")
}

// ListTransactionsByAccount handles the logic for retrieving an account's
// transaction history, newest first.
func (h *TransfersHandler) ListTransactionsByAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)

	txs, err := h.Service.ListTransactions(r.Context(), accountID, limit, offset)
	if err != nil {
		if errors.Is(err, transfer.ErrInvalidAccount) || errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{accountId}/transactions")
			return
		}
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve transactions: %v", err), "GET", "/accounts/{accountId}/transactions")
		return
	}

	respondJSON(w, http.StatusOK, txs, "GET", "/accounts/{accountId}/transactions")
}
