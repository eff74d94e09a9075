package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minitmoney/transfer-service/pkg/middleware"
)

// NewRouter mounts all HTTP routes.
func NewRouter(accounts *AccountsHandler, transfers *TransfersHandler, logger *slog.Logger) chi.Router {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(middleware.NewStructuredLogger(logger))
	router.Use(chimiddleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/accounts", func(r chi.Router) {
		r.Post("/", accounts.CreateAccount)
		r.Get("/", accounts.ListAccounts)
		r.Get("/{accountId}", accounts.GetAccountById)
		r.Delete("/{accountId}", accounts.DeactivateAccount)
		r.Get("/{accountId}/ledger", accounts.ListLedgerEntries)
		r.Get("/{accountId}/transactions", transfers.ListTransactionsByAccount)
	})

	router.Route("/transfers", func(r chi.Router) {
		r.Post("/", transfers.SubmitTransfer)
		r.Get("/{transactionId}", transfers.GetTransactionById)
	})

	return router
}
