// Package breaker implements a per-dependency circuit breaker.
//
// A Breaker moves between three states:
//   - closed: calls pass through; FailureThreshold consecutive failures open it
//   - open: calls are rejected with ErrOpen until RecoveryTimeout elapses
//   - half_open: one probe at a time; SuccessThreshold probe successes close it,
//     any probe failure reopens it
//
// Only dependency failures count. Errors the failure predicate rejects (caller
// mistakes such as validation or compliance) are passed through as successful
// round-trips, and calls abandoned by the caller's context are not counted.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/escrowd/internal/core/apperr"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling the dependency while the breaker is open.
	ErrOpen = fmt.Errorf("circuit breaker open: %w", apperr.ErrServiceUnavailable)

	// ErrTimeout wraps a call that exceeded Config.Timeout.
	ErrTimeout = errors.New("call timed out")
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	// Timeout bounds each call. Zero disables it.
	Timeout time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		Timeout:          10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	return c
}

// Metrics are cumulative counters for the breaker's lifetime.
type Metrics struct {
	TotalRequests int64 `json:"total_requests"`
	Successes     int64 `json:"successes"`
	Failures      int64 `json:"failures"`
	Timeouts      int64 `json:"timeouts"`
	Rejections    int64 `json:"rejections"`
	Openings      int64 `json:"openings"`
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
	Metrics      Metrics   `json:"metrics"`
}

// StateChangeFunc observes transitions. It runs outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithFailurePredicate decides which errors count against the dependency.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// Breaker guards one dependency. Safe for concurrent use.
type Breaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	onChange  StateChangeFunc
	isFailure func(error) bool

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	probing     bool
	metrics     Metrics
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		isFailure: defaultIsFailure,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func defaultIsFailure(err error) bool {
	return !apperr.IsPermanent(err)
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose recovery timeout has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker and the per-call timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	timedOut, err := b.call(ctx, fn)
	b.record(ctx, probe, err, timedOut)
	return err
}

func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if b.cfg.Timeout <= 0 {
		return false, fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return true, fmt.Errorf("%w after %s: %w", ErrTimeout, b.cfg.Timeout, err)
		}
		return false, err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("%s: %w after %s", b.name, ErrTimeout, b.cfg.Timeout)
	}
}

// admit decides whether a call may proceed and whether it is the half-open probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	b.metrics.TotalRequests++

	var changed *[2]State
	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.metrics.Rejections++
			b.mu.Unlock()
			return false, ErrOpen
		}
		changed = &[2]State{StateOpen, StateHalfOpen}
		b.state = StateHalfOpen
		b.successes = 0
		fallthrough
	case StateHalfOpen:
		if b.probing {
			b.metrics.Rejections++
			b.mu.Unlock()
			b.notify(changed)
			return false, ErrOpen
		}
		b.probing = true
		b.mu.Unlock()
		b.notify(changed)
		return true, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

func (b *Breaker) record(ctx context.Context, probe bool, err error, timedOut bool) {
	b.mu.Lock()
	if probe {
		b.probing = false
	}

	// Abandoned by the caller: says nothing about the dependency.
	if err != nil && !timedOut && ctx.Err() != nil {
		b.mu.Unlock()
		return
	}

	var changed *[2]State
	switch {
	case timedOut || (err != nil && b.isFailure(err)):
		b.metrics.Failures++
		if timedOut {
			b.metrics.Timeouts++
		}
		changed = b.onFailure(probe)
	case err != nil:
		// Rejected by the rail for a caller-side reason: neutral. It neither
		// clears the failure streak nor counts toward closing a half-open breaker.
	default:
		b.metrics.Successes++
		changed = b.onSuccess(probe)
	}
	b.mu.Unlock()
	b.notify(changed)
}

func (b *Breaker) onFailure(probe bool) *[2]State {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			return b.open(StateClosed)
		}
	case StateHalfOpen:
		if probe {
			return b.open(StateHalfOpen)
		}
	}
	return nil
}

func (b *Breaker) onSuccess(probe bool) *[2]State {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if !probe {
			return nil
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.nextAttempt = time.Time{}
			return &[2]State{StateHalfOpen, StateClosed}
		}
	}
	return nil
}

func (b *Breaker) open(from State) *[2]State {
	b.state = StateOpen
	b.successes = 0
	b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
	b.metrics.Openings++
	return &[2]State{from, StateOpen}
}

func (b *Breaker) notify(changed *[2]State) {
	if changed != nil && b.onChange != nil {
		b.onChange(b.name, changed[0], changed[1])
	}
}

// Reset forces the breaker closed. Cumulative metrics are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.nextAttempt = time.Time{}
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(&[2]State{from, StateClosed})
	}
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failures,
		SuccessCount: b.successes,
		NextAttempt:  b.nextAttempt,
		Metrics:      b.metrics,
	}
}
