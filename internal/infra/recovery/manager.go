// Package recovery retries rail operations with exponential backoff through
// the processor type's circuit breaker.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/breaker"
)

// Policy is the retry budget of one processor type.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterPercent     uint64
}

// DefaultPolicies returns the standard per-rail budgets. Crypto confirmations
// are fast and volatile; bank rails are slow and rate sensitive.
func DefaultPolicies() map[domain.MethodType]Policy {
	return map[domain.MethodType]Policy{
		domain.MethodTypeCrypto: {
			MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second,
			BackoffMultiplier: 2.0, JitterPercent: 10,
		},
		domain.MethodTypeBankTransfer: {
			MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second,
			BackoffMultiplier: 2.0, JitterPercent: 10,
		},
		domain.MethodTypeOther: {
			MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 20 * time.Second,
			BackoffMultiplier: 2.0, JitterPercent: 10,
		},
	}
}

// DefaultPolicy applies to processor types without an entry.
var DefaultPolicy = Policy{
	MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 20 * time.Second,
	BackoffMultiplier: 2.0, JitterPercent: 10,
}

// Backoff builds the delay sequence min(Base*Mult^(n-1), Max) ± jitter, stopping
// after MaxAttempts-1 retries.
func (p Policy) Backoff() retry.Backoff {
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	var n int
	var mu sync.Mutex
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		d := float64(p.BaseDelay) * math.Pow(mult, float64(n))
		n++
		if d > math.MaxInt64 {
			d = math.MaxInt64
		}
		return time.Duration(d), false
	})
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// Context describes one logical operation. It is attached to every log line
// of the operation and never persisted.
type Context struct {
	TransactionID string
	ProcessorType domain.MethodType
	Operation     domain.Operation
	Amount        decimal.Decimal
	Attempt       int
	LastErr       error
}

func (c Context) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("tx", c.TransactionID),
		slog.String("processor", string(c.ProcessorType)),
		slog.String("op", string(c.Operation)),
		slog.String("amount", c.Amount.String()),
		slog.Int("attempt", c.Attempt),
	}
	if c.LastErr != nil {
		attrs = append(attrs, slog.String("last_error", c.LastErr.Error()))
	}
	return slog.GroupValue(attrs...)
}

// AttemptFunc observes every attempt that reached the breaker.
type AttemptFunc func(rc Context, err error, elapsed time.Duration)

// Manager executes operations with retry and circuit breaking.
type Manager struct {
	breakers *breaker.Registry
	policies map[domain.MethodType]Policy
	classify func(error) Category
	logger   *slog.Logger

	mu        sync.RWMutex
	observers []AttemptFunc
}

// NewManager creates a manager. Missing policies fall back to DefaultPolicy.
func NewManager(breakers *breaker.Registry, policies map[domain.MethodType]Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Manager{
		breakers: breakers,
		policies: policies,
		classify: Classify,
		logger:   logger,
	}
}

// OnAttempt registers an attempt observer.
func (m *Manager) OnAttempt(fn AttemptFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Policy returns the policy for t.
func (m *Manager) Policy(t domain.MethodType) Policy {
	if p, ok := m.policies[t]; ok {
		return p
	}
	return DefaultPolicy
}

// Breakers returns the registry the manager executes through.
func (m *Manager) Breakers() *breaker.Registry { return m.breakers }

// Execute runs fn until it succeeds, fails non-recoverably, exhausts the
// policy, or the breaker rejects it.
//
// Returned errors match apperr.ErrServiceUnavailable when the breaker was
// open, apperr.ErrRetriesExhausted (plus the last cause) when the budget ran
// out, and otherwise carry the non-recoverable cause unchanged.
func (m *Manager) Execute(ctx context.Context, rc Context, fn func(ctx context.Context) error) error {
	pol := m.Policy(rc.ProcessorType)
	br := m.breakers.Get(rc.ProcessorType)

	var lastCat Category
	err := retry.Do(ctx, pol.Backoff(), func(ctx context.Context) error {
		rc.Attempt++
		start := time.Now()
		err := br.Execute(ctx, fn)
		m.observe(rc, err, time.Since(start))
		if err == nil {
			return nil
		}

		rc.LastErr = err
		lastCat = m.classify(err)
		if lastCat != Recoverable {
			return err
		}
		if rc.Attempt < pol.MaxAttempts {
			m.logger.Warn("Recoverable rail error, retrying", "op", rc, "error", err)
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		if rc.Attempt > 1 {
			m.logger.Info("Operation recovered", "op", rc)
		}
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%s %s aborted after %d attempts: %w", rc.ProcessorType, rc.Operation, rc.Attempt, err)
	}

	switch lastCat {
	case Unavailable:
		m.logger.Warn("Rail unavailable, circuit open", "op", rc)
		return fmt.Errorf("%s %s: %w", rc.ProcessorType, rc.Operation, err)
	case Recoverable:
		m.logger.Error("Retries exhausted", "op", rc, "error", err)
		return fmt.Errorf("%s %s: %w after %d attempts: %w",
			rc.ProcessorType, rc.Operation, apperr.ErrRetriesExhausted, rc.Attempt, err)
	default:
		m.logger.Warn("Non-recoverable rail error", "op", rc, "error", err)
		return err
	}
}

// Run is Execute for operations that return a value.
func Run[T any](ctx context.Context, m *Manager, rc Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	err := m.Execute(ctx, rc, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		// A result arriving after its attempt timed out is discarded.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		out = v
		mu.Unlock()
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return out, nil
}

func (m *Manager) observe(rc Context, err error, elapsed time.Duration) {
	m.mu.RLock()
	obs := m.observers
	m.mu.RUnlock()
	for _, fn := range obs {
		fn(rc, err, elapsed)
	}
}
