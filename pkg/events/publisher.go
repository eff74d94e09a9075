// Package events publishes transfer notifications for downstream consumers
// (receipts, fraud review, client push). Publishing is best-effort: the
// transfer itself is already durable by the time an event goes out.
package events

import (
	"context"

	"github.com/minitmoney/transfer-service/pkg/models"
)

// Publisher defines the interface for emitting transfer notifications.
type Publisher interface {
	// PublishTransferCompleted announces a settled transfer.
	PublishTransferCompleted(ctx context.Context, tx *models.Transaction) error
}
