// Package processor defines the payment-rail contract.
//
// This package contains:
//   - Processor interface: one implementation per rail (bank, crypto, other)
//   - LegRequest / Receipt: the inputs and outputs of a single fund movement
//   - FeeSchedule: fixed + percentage fee quoting shared by rails
//   - Registry: explicit MethodType -> Processor lookup table
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
)

// Processor moves funds over one external payment rail.
type Processor interface {
	// Type returns the rail this processor serves.
	Type() domain.MethodType

	// Validate format- and existence-checks a payment method against the rail.
	// A malformed method returns (false, nil); a rail failure returns an error.
	Validate(ctx context.Context, method *domain.PaymentMethod) (bool, error)

	// Withdraw debits Amount from the method and returns the rail's handle.
	Withdraw(ctx context.Context, req LegRequest) (Receipt, error)

	// Deposit credits Amount to the method and returns the rail's handle.
	Deposit(ctx context.Context, req LegRequest) (Receipt, error)

	// EstimateProcessingTime returns the settlement window of the rail.
	EstimateProcessingTime() ProcessingWindow

	// CalculateFees quotes the rail's fees for amount.
	CalculateFees(amount decimal.Decimal) FeeQuote
}

// MethodQuoter is implemented by rails whose fees depend on the method and
// the transaction currency. Callers prefer it over CalculateFees.
type MethodQuoter interface {
	QuoteFor(method *domain.PaymentMethod, amount decimal.Decimal, currency domain.Currency) FeeQuote
}

// Quote prices amount on p, using the method-aware quote when p has one.
func Quote(p Processor, method *domain.PaymentMethod, amount decimal.Decimal, currency domain.Currency) FeeQuote {
	if mq, ok := p.(MethodQuoter); ok {
		return mq.QuoteFor(method, amount, currency)
	}
	return p.CalculateFees(amount)
}

// LegRequest is one directional fund movement.
type LegRequest struct {
	Method   *domain.PaymentMethod
	Amount   decimal.Decimal
	Currency domain.Currency

	// Reference is forwarded to the rail as an idempotency key ("<txID>:<leg>").
	Reference string
}

// Receipt is the rail's acknowledgement of a leg.
type Receipt struct {
	ExternalID  string
	Status      string
	SubmittedAt time.Time
}

// ProcessingWindow is the expected settlement time of a rail.
type ProcessingWindow struct {
	Min time.Duration
	Max time.Duration
}

func (w ProcessingWindow) String() string {
	return fmt.Sprintf("%s-%s", w.Min, w.Max)
}

// FeeQuote is a fee breakdown for one amount.
type FeeQuote struct {
	ProcessingFee decimal.Decimal
	PercentageFee decimal.Decimal
	Total         decimal.Decimal
}

// FeeSchedule is a fixed fee plus a percentage of the amount.
type FeeSchedule struct {
	Fixed   decimal.Decimal
	Percent decimal.Decimal // 0.8 means 0.8%
}

var hundred = decimal.NewFromInt(100)

// Quote computes the fee for amount. Results are not rounded; callers round to
// the transaction currency.
func (s FeeSchedule) Quote(amount decimal.Decimal) FeeQuote {
	pct := amount.Mul(s.Percent).Div(hundred)
	return FeeQuote{
		ProcessingFee: s.Fixed,
		PercentageFee: pct,
		Total:         s.Fixed.Add(pct),
	}
}

// CheckLimit returns a non-recoverable error when amount exceeds limit.
// A zero limit disables the check.
func CheckLimit(t domain.MethodType, op domain.Operation, amount, limit decimal.Decimal) error {
	if limit.IsZero() || amount.LessThanOrEqual(limit) {
		return nil
	}
	return apperr.Permanent(t, op, "limit_exceeded",
		fmt.Errorf("%w: %s over per-transaction limit %s", apperr.ErrLimitExceeded, amount, limit))
}

// Registry maps rails to their processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[domain.MethodType]Processor
}

// NewRegistry creates a registry holding ps.
func NewRegistry(ps ...Processor) *Registry {
	r := &Registry{processors: make(map[domain.MethodType]Processor)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the processor for p.Type().
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Type()] = p
}

// Get returns the processor for t.
func (r *Registry) Get(t domain.MethodType) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[t]
	if !ok {
		return nil, fmt.Errorf("%w: no processor for %q", apperr.ErrInvalidMethod, t)
	}
	return p, nil
}

// Types returns the registered rails in sorted order.
func (r *Registry) Types() []domain.MethodType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.MethodType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
