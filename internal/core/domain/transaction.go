package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the saga state of a Transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusEscrowed  TransactionStatus = "escrowed"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// IsTerminal returns true if no further transition is possible.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusFailed,
		TransactionStatusCancelled, TransactionStatusRefunded:
		return true
	}
	return false
}

// Fees is the fee breakdown computed once at initiation.
type Fees struct {
	ProcessingFee decimal.Decimal `json:"processing_fee"`
	EscrowFee     decimal.Decimal `json:"escrow_fee"`
	Total         decimal.Decimal `json:"total"`
}

// Transaction is one logical payment intent between two parties.
type Transaction struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`

	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`

	SenderMethodID      string     `json:"sender_method_id"`
	RecipientMethodID   string     `json:"recipient_method_id"`
	SenderMethodType    MethodType `json:"sender_method_type"`
	RecipientMethodType MethodType `json:"recipient_method_type"`

	Status        TransactionStatus `json:"status"`
	Fees          Fees              `json:"fees"`
	FailureReason string            `json:"failure_reason,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	EscrowedAt    *time.Time `json:"escrowed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Version is bumped by every committed update and guards concurrent writers.
	Version int64 `json:"version"`
}

// NetAmount is what the recipient receives on release.
func (t *Transaction) NetAmount() decimal.Decimal {
	return t.Amount.Sub(t.Fees.Total)
}

// Clone returns a deep copy safe to hand out of a store.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.EscrowedAt = cloneTime(t.EscrowedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.FailedAt = cloneTime(t.FailedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	c.RefundedAt = cloneTime(t.RefundedAt)
	c.HoldExpiresAt = cloneTime(t.HoldExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
