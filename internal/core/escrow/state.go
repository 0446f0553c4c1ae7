package escrow

import (
	"github.com/vietddude/escrowd/internal/core/domain"
)

// Status is an alias for domain.TransactionStatus for internal use.
type Status = domain.TransactionStatus

// ValidTransitions defines allowed transaction status transitions.
// Key is the current status, value is the list of valid next statuses.
var ValidTransitions = map[Status][]Status{
	domain.TransactionStatusPending: {
		domain.TransactionStatusEscrowed,
		domain.TransactionStatusFailed,
		domain.TransactionStatusCancelled,
	},
	domain.TransactionStatusEscrowed: {
		domain.TransactionStatusCompleted,
		domain.TransactionStatusRefunded,
	},
}

// CanTransition checks if a transition from one status to another is valid.
// Staying in the same non-terminal status is allowed so leg intents and
// errors can be recorded without a status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// escrowStatusFor is the custody status a transaction status implies. An
// escrowed transaction may also pair with a failed (unresolved) record.
var escrowStatusFor = map[Status]domain.EscrowStatus{
	domain.TransactionStatusEscrowed:  domain.EscrowStatusHolding,
	domain.TransactionStatusCompleted: domain.EscrowStatusReleased,
	domain.TransactionStatusRefunded:  domain.EscrowStatusReturned,
}

// Consistent reports whether tx and rec form a valid pair.
func Consistent(tx *domain.Transaction, rec *domain.EscrowRecord) bool {
	want, hasEscrow := escrowStatusFor[tx.Status]
	if !hasEscrow {
		return rec == nil
	}
	if rec == nil {
		return false
	}
	if tx.Status == domain.TransactionStatusEscrowed && rec.Status == domain.EscrowStatusFailed {
		return true
	}
	return rec.Status == want
}

// StatusDescription returns a human-readable description of a status.
func StatusDescription(s Status) string {
	switch s {
	case domain.TransactionStatusPending:
		return "Pending - created, withdrawal not yet confirmed"
	case domain.TransactionStatusEscrowed:
		return "Escrowed - funds held, awaiting release or return"
	case domain.TransactionStatusCompleted:
		return "Completed - funds released to the recipient"
	case domain.TransactionStatusFailed:
		return "Failed - withdrawal failed, no funds taken"
	case domain.TransactionStatusCancelled:
		return "Cancelled - cancelled before funds were taken"
	case domain.TransactionStatusRefunded:
		return "Refunded - funds returned to the sender"
	default:
		return "Unknown status"
	}
}
