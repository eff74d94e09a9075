package models

import (
	"time"
)

// TransactionStatus defines the possible states of a transaction.
type TransactionStatus string

const (
	PENDING   TransactionStatus = "PENDING"
	COMPLETED TransactionStatus = "COMPLETED"
	FAILED    TransactionStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s TransactionStatus) Terminal() bool {
	return s == COMPLETED || s == FAILED
}

// Account represents a user's account. Balance and Reserved are expressed in
// the minor unit of Currency (e.g. cents for USD); floating point is never
// used for money. Reserved holds funds debited from Balance but not yet
// settled to a receiver.
type Account struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Name      string    `json:"name" dynamodbav:"name"`
	Email     string    `json:"email" dynamodbav:"email"`
	Balance   int64     `json:"balance" dynamodbav:"balance"`
	Reserved  int64     `json:"reserved" dynamodbav:"reserved"`
	Currency  string    `json:"currency" dynamodbav:"currency"`
	Active    bool      `json:"active" dynamodbav:"active"`
	Version   int64     `json:"version" dynamodbav:"version"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}

// TransferRequest carries one submission of the transfer operation. It is
// transient and never persisted directly. The receiver may be addressed by
// account ID or by email.
type TransferRequest struct {
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	ReceiverEmail  string `json:"receiver_email,omitempty"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Transaction is the immutable record of one funds movement. It is created
// PENDING and transitions exactly once to COMPLETED or FAILED.
type Transaction struct {
	ID             string            `json:"id" dynamodbav:"id"`
	SenderID       string            `json:"sender_id" dynamodbav:"sender_id"`
	ReceiverID     string            `json:"receiver_id" dynamodbav:"receiver_id"`
	Amount         int64             `json:"amount" dynamodbav:"amount"`
	Currency       string            `json:"currency" dynamodbav:"currency"`
	Description    string            `json:"description,omitempty" dynamodbav:"description"`
	Status         TransactionStatus `json:"status" dynamodbav:"status"`
	FailureReason  string            `json:"failure_reason,omitempty" dynamodbav:"failure_reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" dynamodbav:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" dynamodbav:"updated_at"`
}

// LedgerEntry represents a single leg of a settled transfer. Every completed
// transaction produces exactly one debit and one credit entry; per
// transaction the two sum to zero.
type LedgerEntry struct {
	EntryID       string    `json:"entry_id" dynamodbav:"entry_id"`
	TransactionID string    `json:"transaction_id" dynamodbav:"transaction_id"`
	AccountID     string    `json:"account_id" dynamodbav:"account_id"`
	Debit         int64     `json:"debit,omitempty" dynamodbav:"debit,omitempty"`
	Credit        int64     `json:"credit,omitempty" dynamodbav:"credit,omitempty"`
	Description   string    `json:"description" dynamodbav:"description"`
	Timestamp     time.Time `json:"timestamp" dynamodbav:"timestamp"`
	GSI1PK        string    `json:"-" dynamodbav:"gsi1pk"`
}
