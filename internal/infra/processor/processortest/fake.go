// Package processortest provides a deterministic Processor for tests.
package processortest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/processor"
)

// Fake is a scripted in-memory rail.
//
// Each operation first consumes its queued errors (a nil entry is a success),
// then returns its sticky error if one is set, and otherwise succeeds. Like a
// real rail it deduplicates by Reference: a repeated successful reference
// returns the original receipt.
type Fake struct {
	mu sync.Mutex

	typ      domain.MethodType
	idPrefix string
	fees     processor.FeeSchedule
	window   processor.ProcessingWindow
	valid    bool
	delay    time.Duration

	queued   map[domain.Operation][]error
	sticky   map[domain.Operation]error
	calls    map[domain.Operation]int
	requests map[domain.Operation][]processor.LegRequest
	receipts map[string]processor.Receipt
	seq      int
}

// New creates a Fake for t whose receipts are "<prefix>_tx_<n>".
func New(t domain.MethodType) *Fake {
	prefix := string(t)
	if t == domain.MethodTypeBankTransfer {
		prefix = "ach"
	}
	return &Fake{
		typ:      t,
		idPrefix: prefix,
		valid:    true,
		fees:     processor.FeeSchedule{Fixed: decimal.Zero, Percent: decimal.Zero},
		window:   processor.ProcessingWindow{Min: time.Minute, Max: time.Hour},
		queued:   make(map[domain.Operation][]error),
		sticky:   make(map[domain.Operation]error),
		calls:    make(map[domain.Operation]int),
		requests: make(map[domain.Operation][]processor.LegRequest),
		receipts: make(map[string]processor.Receipt),
	}
}

// WithFees sets the fee schedule.
func (f *Fake) WithFees(s processor.FeeSchedule) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees = s
	return f
}

// WithDelay makes every call block for d or until ctx is done.
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// SetValid sets the Validate verdict.
func (f *Fake) SetValid(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = v
}

// Queue appends one-shot outcomes for op.
func (f *Fake) Queue(op domain.Operation, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[op] = append(f.queued[op], errs...)
	return f
}

// FailAlways makes op fail with err once its queue is drained. nil clears it.
func (f *Fake) FailAlways(op domain.Operation, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sticky[op] = err
	return f
}

// Calls returns how many times op reached the rail.
func (f *Fake) Calls(op domain.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Requests returns the leg requests seen for op.
func (f *Fake) Requests(op domain.Operation) []processor.LegRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]processor.LegRequest(nil), f.requests[op]...)
}

func (f *Fake) Type() domain.MethodType { return f.typ }

func (f *Fake) Validate(ctx context.Context, method *domain.PaymentMethod) (bool, error) {
	if err := f.enter(ctx, domain.OperationValidate, nil); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid && method != nil && method.Type == f.typ, nil
}

func (f *Fake) Withdraw(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return f.move(ctx, domain.OperationWithdraw, req)
}

func (f *Fake) Deposit(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return f.move(ctx, domain.OperationDeposit, req)
}

func (f *Fake) EstimateProcessingTime() processor.ProcessingWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window
}

func (f *Fake) CalculateFees(amount decimal.Decimal) processor.FeeQuote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fees.Quote(amount)
}

func (f *Fake) move(ctx context.Context, op domain.Operation, req processor.LegRequest) (processor.Receipt, error) {
	if err := f.enter(ctx, op, &req); err != nil {
		return processor.Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[req.Reference]; ok && req.Reference != "" {
		return r, nil
	}
	f.seq++
	r := processor.Receipt{
		ExternalID:  fmt.Sprintf("%s_tx_%d", strings.ToLower(f.idPrefix), f.seq),
		Status:      "submitted",
		SubmittedAt: time.Now(),
	}
	if req.Reference != "" {
		f.receipts[req.Reference] = r
	}
	return r, nil
}

// Moved reports whether a leg with reference succeeded on this rail.
func (f *Fake) Moved(reference string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.receipts[reference]
	return ok
}

func (f *Fake) enter(ctx context.Context, op domain.Operation, req *processor.LegRequest) error {
	f.mu.Lock()
	f.calls[op]++
	if req != nil {
		f.requests[op] = append(f.requests[op], *req)
	}
	delay := f.delay

	var err error
	if q := f.queued[op]; len(q) > 0 {
		err = q[0]
		f.queued[op] = q[1:]
	} else {
		err = f.sticky[op]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
