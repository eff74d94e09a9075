package transfer

import "errors"

// Validation errors. These are never retried automatically: the request
// itself is wrong.
var (
	// ErrInvalidAccount is returned when the sender or receiver does not
	// exist, is inactive, or when a transfer addresses itself.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrInvalidAmount is returned when the amount is not positive or
	// exceeds the configured single-transfer limit.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrCurrencyMismatch is returned when the request currency differs from
	// the sender's account currency. Cross-currency transfers are rejected,
	// never converted.
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// ErrTransferInProgress is returned when an idempotency key maps to a
// transaction that is still PENDING in another process. The caller may retry
// with the same key once the attempt resolves.
var ErrTransferInProgress = errors.New("transfer with this idempotency key is in progress")

// ErrLockTimeout is returned when an account's serialization point could not
// be acquired within the configured bound. It is a storage-class failure: no
// state changed and the caller may retry with the same idempotency key.
var ErrLockTimeout = errors.New("timed out waiting for account lock")
