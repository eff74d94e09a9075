// Package handlers contains the HTTP handlers for the transfer service.
// Validation failures map to 422, missing resources to 404, in-flight
// idempotency collisions to 409, and serialization timeouts to 503.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/minitmoney/transfer-service/pkg/storage"
	"github.com/minitmoney/transfer-service/pkg/transfer"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_submissions_total",
		Help: "Transfer submissions by outcome",
	}, []string{"outcome"})
)

func prometheusTimer(method, endpoint string) *prometheus.Timer {
	return prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, "Failed to write response", http.StatusInternalServerError)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message, method, endpoint string) {
	respondJSON(w, status, map[string]string{"error": message}, method, endpoint)
}

// statusFromError maps domain and storage errors to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, transfer.ErrInvalidAccount),
		errors.Is(err, transfer.ErrInvalidAmount),
		errors.Is(err, transfer.ErrCurrencyMismatch),
		errors.Is(err, storage.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrTransferInProgress):
		return http.StatusConflict
	case errors.Is(err, storage.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt reads an integer query parameter, falling back when absent or
// malformed.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
