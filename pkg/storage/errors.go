package storage

import "errors"

// ErrNotFound is returned when a requested account or transaction does not exist.
var ErrNotFound = errors.New("not found")

// ErrInsufficientFunds is returned when the sender's balance cannot cover a transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrDuplicateKey is returned when an idempotency marker already exists for a
// (sender, key) pair. Callers should fetch and replay the prior transaction.
var ErrDuplicateKey = errors.New("idempotency key already used")

// ErrDuplicateEmail is returned when creating an account with an email that is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrAlreadyResolved is returned when committing or aborting a transaction
// that is no longer PENDING.
var ErrAlreadyResolved = errors.New("transaction already resolved")

// ErrVersionConflict is returned when an optimistic concurrency check failed;
// the operation may be retried after re-reading.
var ErrVersionConflict = errors.New("version conflict")
