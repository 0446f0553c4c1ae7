package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errRail = errors.New("connection reset by peer")

func fail(context.Context) error { return errRail }
func ok(context.Context) error   { return nil }

func testConfig() Config {
	return Config{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: time.Minute, Timeout: time.Second}
}

// ============================================================================
// State machine
// ============================================================================

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("crypto", testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errRail) {
			t.Fatalf("attempt %d: expected rail error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	var called bool
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if !errors.Is(err, apperr.ErrServiceUnavailable) {
		t.Errorf("ErrOpen should match ErrServiceUnavailable")
	}
	if called {
		t.Error("open breaker invoked the operation")
	}

	m := b.Snapshot().Metrics
	if m.Failures != 3 || m.Rejections != 1 || m.Openings != 1 || m.TotalRequests != 4 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("bank_transfer", testConfig())
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, ok)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if got := b.Snapshot().FailureCount; got != 2 {
		t.Errorf("expected failure count 2, got %d", got)
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("crypto", testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	clock.Advance(59 * time.Second)
	if err := b.Execute(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection before recovery timeout, got %v", err)
	}

	clock.Advance(time.Second)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after one probe, got %s", b.State())
	}

	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", b.State())
	}
	if s := b.Snapshot(); s.FailureCount != 0 || s.SuccessCount != 0 {
		t.Errorf("counts not reset: %+v", s)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("crypto", testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(time.Minute)

	if err := b.Execute(ctx, fail); !errors.Is(err, errRail) {
		t.Fatalf("expected probe to reach the rail, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopened, got %s", b.State())
	}
	if next := b.Snapshot().NextAttempt; !next.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("next attempt not recomputed: %v", next)
	}
	if got := b.Snapshot().Metrics.Openings; got != 2 {
		t.Errorf("expected 2 openings, got %d", got)
	}
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	clock := newFakeClock()
	b := New("crypto", testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			calls.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A second caller while the probe is outstanding is rejected.
	if err := b.Execute(ctx, func(context.Context) error { calls.Add(1); return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected concurrent probe to be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly one probe call, got %d", got)
	}
}

// ============================================================================
// Classification and timeouts
// ============================================================================

func TestBreaker_IgnoresCallerErrors(t *testing.T) {
	b := New("bank_transfer", testConfig())
	ctx := context.Background()

	compliance := apperr.Permanent(domain.MethodTypeBankTransfer, domain.OperationDeposit, "compliance",
		fmt.Errorf("%w: sanctions", apperr.ErrCompliance))
	for i := 0; i < 10; i++ {
		if err := b.Execute(ctx, func(context.Context) error { return compliance }); !errors.Is(err, apperr.ErrCompliance) {
			t.Fatalf("expected compliance error passed through, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("caller errors opened the breaker")
	}
}

func TestBreaker_CallerErrorsDoNotResetFailureStreak(t *testing.T) {
	b := New("bank_transfer", testConfig())
	ctx := context.Background()

	rejected := apperr.Permanent(domain.MethodTypeBankTransfer, domain.OperationWithdraw, "insufficient_funds", apperr.ErrInsufficientFunds)
	reject := func(context.Context) error { return rejected }

	// fail, reject, fail, reject, fail: three failures open the breaker.
	for i, fn := range []func(context.Context) error{fail, reject, fail, reject, fail} {
		_ = b.Execute(ctx, fn)
		if i < 4 && b.State() != StateClosed {
			t.Fatalf("call %d: opened early", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after interleaved failures, got %s", b.State())
	}
	if m := b.Snapshot().Metrics; m.Failures != 3 || m.Successes != 0 {
		t.Errorf("caller errors should be neither failures nor successes: %+v", m)
	}
}

func TestBreaker_CallerErrorOnProbeKeepsHalfOpen(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.SuccessThreshold = 1
	b := New("bank_transfer", cfg, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(time.Minute)

	rejected := apperr.Permanent(domain.MethodTypeBankTransfer, domain.OperationWithdraw, "invalid_method", apperr.ErrInvalidMethod)
	if err := b.Execute(ctx, func(context.Context) error { return rejected }); !errors.Is(err, apperr.ErrInvalidMethod) {
		t.Fatalf("expected the rail error, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("caller error on the probe should leave half-open, got %s", b.State())
	}

	// The probe slot was released, so the next call probes and closes.
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b := New("crypto", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	if s := b.Snapshot(); s.State != "closed" || s.Metrics.Failures != 0 {
		t.Errorf("cancellation counted against dependency: %+v", s)
	}
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.FailureThreshold = 1
	b := New("bank_transfer", cfg)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	m := b.Snapshot().Metrics
	if m.Timeouts != 1 || m.Failures != 1 {
		t.Errorf("expected one timeout failure, got %+v", m)
	}
	if b.State() != StateOpen {
		t.Errorf("expected open after timeout, got %s", b.State())
	}
}

func TestBreaker_TimeoutWhenCallIgnoresContext(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	b := New("other", cfg)

	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	err := b.Execute(context.Background(), func(context.Context) error {
		<-block
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Execute waited on a call that ignored its context")
	}
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistry_SharedPerType(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	var transitions []string
	var mu sync.Mutex
	r.OnStateChange(func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	bank := r.Get(domain.MethodTypeBankTransfer)
	if r.Get(domain.MethodTypeBankTransfer) != bank {
		t.Fatal("expected the same breaker for the same type")
	}
	crypto := r.Get(domain.MethodTypeCrypto)

	for i := 0; i < 3; i++ {
		_ = bank.Execute(context.Background(), fail)
	}
	if bank.State() != StateOpen || crypto.State() != StateClosed {
		t.Fatalf("failure leaked across rails: bank=%s crypto=%s", bank.State(), crypto.State())
	}
	if r.OpenCount() != 1 {
		t.Errorf("expected 1 open breaker, got %d", r.OpenCount())
	}

	if !r.Reset(domain.MethodTypeBankTransfer) {
		t.Fatal("reset reported missing breaker")
	}
	if bank.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", bank.State())
	}
	if r.Reset(domain.MethodTypeOther) {
		t.Error("reset of never-used breaker should report false")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"bank_transfer:closed->open", "bank_transfer:open->closed"}
	if len(transitions) != len(want) || transitions[0] != want[0] || transitions[1] != want[1] {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}

	snaps := r.Snapshot()
	if len(snaps) != 2 || snaps[0].Name != "bank_transfer" || snaps[1].Name != "crypto" {
		t.Errorf("unexpected snapshot order %+v", snaps)
	}
}

func TestRegistry_ConfigurePerType(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	r.Configure(domain.MethodTypeCrypto, Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Second})

	c := r.Get(domain.MethodTypeCrypto)
	_ = c.Execute(context.Background(), fail)
	if c.State() != StateOpen {
		t.Errorf("expected per-type threshold of 1 to open, got %s", c.State())
	}
}
