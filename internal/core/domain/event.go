package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a saga state transition published to the audit sink.
type EventType string

const (
	EventTransactionInitiated EventType = "transaction_initiated"
	EventWithdrawalInitiated  EventType = "withdrawal_initiated"
	EventWithdrawalSucceeded  EventType = "withdrawal_succeeded"
	EventWithdrawalFailed     EventType = "withdrawal_failed"
	EventEscrowHeld           EventType = "escrow_held"
	EventReleaseFailed        EventType = "release_failed"
	EventFundsReleased        EventType = "funds_released"
	EventFundsReturned        EventType = "funds_returned"
	EventEscrowTimeout        EventType = "escrow_timeout"
	EventEscrowUnresolved     EventType = "escrow_unresolved"
	EventTransactionCancelled EventType = "transaction_cancelled"
)

// Event is one audit record. It never carries payment-method details.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TransactionID string          `json:"transaction_id"`
	SenderID      string          `json:"sender_id,omitempty"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
	ProcessorType MethodType      `json:"processor_type,omitempty"`
	ExternalID    string          `json:"external_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
