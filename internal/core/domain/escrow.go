package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the custody state of an EscrowRecord.
type EscrowStatus string

const (
	EscrowStatusHolding  EscrowStatus = "holding"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusReturned EscrowStatus = "returned"
	EscrowStatusFailed   EscrowStatus = "failed" // release and return both failed
)

// Leg names one directional fund movement of the saga.
type Leg string

const (
	LegWithdraw Leg = "withdraw"
	LegRelease  Leg = "release"
	LegReturn   Leg = "return"
)

// EscrowRecord is the custody record of funds withdrawn from the sender.
type EscrowRecord struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
	MethodType    MethodType      `json:"method_type"`

	// ExternalTransactionID is the withdrawing rail's handle for the hold.
	ExternalTransactionID string `json:"external_transaction_id"`
	ReleaseTransactionID  string `json:"release_transaction_id,omitempty"`
	ReturnTransactionID   string `json:"return_transaction_id,omitempty"`

	ReleasedAmount decimal.Decimal `json:"released_amount"`

	// PendingLeg is committed before a deposit leg starts; a resumed saga
	// continues this leg instead of choosing a new one.
	PendingLeg Leg `json:"pending_leg,omitempty"`

	Status     EscrowStatus `json:"status"`
	LastError  string       `json:"last_error,omitempty"`
	HeldAt     time.Time    `json:"held_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// IsResolved returns true once funds left custody.
func (e *EscrowRecord) IsResolved() bool {
	return e.Status == EscrowStatusReleased || e.Status == EscrowStatusReturned
}

// Clone returns a deep copy.
func (e *EscrowRecord) Clone() *EscrowRecord {
	if e == nil {
		return nil
	}
	c := *e
	c.ResolvedAt = cloneTime(e.ResolvedAt)
	return &c
}
