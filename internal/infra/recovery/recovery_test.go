package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/breaker"
	"github.com/vietddude/escrowd/internal/infra/processor"
	"github.com/vietddude/escrowd/internal/infra/processor/processortest"
)

func fastPolicies() map[domain.MethodType]Policy {
	fast := func(n int) Policy {
		return Policy{MaxAttempts: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2, JitterPercent: 10}
	}
	return map[domain.MethodType]Policy{
		domain.MethodTypeCrypto:       fast(5),
		domain.MethodTypeBankTransfer: fast(3),
		domain.MethodTypeOther:        fast(3),
	}
}

func newManager(threshold int) *Manager {
	reg := breaker.NewRegistry(breaker.Config{
		FailureThreshold: threshold,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Hour,
		Timeout:          time.Second,
	}, nil)
	return NewManager(reg, fastPolicies(), nil)
}

var transient = apperr.Transient(domain.MethodTypeCrypto, domain.OperationWithdraw, "rpc_-32010", errors.New("network congestion"))

func withdraw(m *Manager, p *processortest.Fake) (processor.Receipt, error) {
	rc := Context{TransactionID: "tx-1", ProcessorType: p.Type(), Operation: domain.OperationWithdraw, Amount: decimal.NewFromInt(50)}
	return Run(context.Background(), m, rc, func(ctx context.Context) (processor.Receipt, error) {
		return p.Withdraw(ctx, processor.LegRequest{Amount: decimal.NewFromInt(50), Currency: "USD", Reference: "tx-1:withdraw"})
	})
}

func TestExecute_RecoversOnThirdAttempt(t *testing.T) {
	m := newManager(100)
	p := processortest.New(domain.MethodTypeCrypto).Queue(domain.OperationWithdraw, transient, transient)

	var attempts []int
	m.OnAttempt(func(rc Context, err error, _ time.Duration) { attempts = append(attempts, rc.Attempt) })

	r, err := withdraw(m, p)
	require.NoError(t, err)
	assert.Equal(t, "crypto_tx_1", r.ExternalID)
	assert.Equal(t, 3, p.Calls(domain.OperationWithdraw))
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestExecute_ExhaustsMaxAttempts(t *testing.T) {
	for _, tt := range []struct {
		typ  domain.MethodType
		want int
	}{
		{domain.MethodTypeCrypto, 5},
		{domain.MethodTypeBankTransfer, 3},
	} {
		t.Run(string(tt.typ), func(t *testing.T) {
			m := newManager(100)
			netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection reset by peer")}
			p := processortest.New(tt.typ).FailAlways(domain.OperationWithdraw, netErr)

			_, err := withdraw(m, p)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrRetriesExhausted)
			assert.ErrorIs(t, err, netErr)
			assert.False(t, apperr.IsPermanent(err))
			assert.Equal(t, tt.want, p.Calls(domain.OperationWithdraw))
		})
	}
}

func TestExecute_NonRecoverableStopsImmediately(t *testing.T) {
	m := newManager(100)
	compliance := apperr.Permanent(domain.MethodTypeBankTransfer, domain.OperationWithdraw, "compliance", fmt.Errorf("%w: sanctions", apperr.ErrCompliance))
	p := processortest.New(domain.MethodTypeBankTransfer).FailAlways(domain.OperationWithdraw, compliance)

	_, err := withdraw(m, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrCompliance)
	assert.NotErrorIs(t, err, apperr.ErrRetriesExhausted)
	assert.Equal(t, 1, p.Calls(domain.OperationWithdraw))
}

func TestExecute_OpenBreakerSkipsCall(t *testing.T) {
	m := newManager(1)
	p := processortest.New(domain.MethodTypeCrypto)

	// Trip the breaker with an unrelated failing call.
	_ = m.Breakers().Get(domain.MethodTypeCrypto).Execute(context.Background(), func(context.Context) error { return transient })

	_, err := withdraw(m, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	assert.NotErrorIs(t, err, apperr.ErrRetriesExhausted)
	assert.Equal(t, 0, p.Calls(domain.OperationWithdraw))
}

func TestExecute_BreakerOpensMidLoop(t *testing.T) {
	m := newManager(2)
	p := processortest.New(domain.MethodTypeCrypto).FailAlways(domain.OperationWithdraw, transient)

	_, err := withdraw(m, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	assert.Equal(t, 2, p.Calls(domain.OperationWithdraw), "retry budget spent against an open breaker")
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	m := NewManager(reg, map[domain.MethodType]Policy{
		domain.MethodTypeCrypto: {MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2},
	}, nil)
	p := processortest.New(domain.MethodTypeCrypto).FailAlways(domain.OperationWithdraw, transient)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rc := Context{TransactionID: "tx-2", ProcessorType: domain.MethodTypeCrypto, Operation: domain.OperationWithdraw}
	err := m.Execute(ctx, rc, func(ctx context.Context) error {
		_, err := p.Withdraw(ctx, processor.LegRequest{})
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.Calls(domain.OperationWithdraw))
}

func TestPolicy_BackoffSequence(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 3 * time.Second, BackoffMultiplier: 2}
	b := p.Backoff()

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second}
	for i, w := range want {
		d, stop := b.Next()
		require.False(t, stop, "stopped early at retry %d", i+1)
		assert.Equal(t, w, d, "retry %d", i+1)
	}
	_, stop := b.Next()
	assert.True(t, stop, "expected stop after MaxAttempts-1 retries")
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{MaxAttempts: 100, BaseDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 2, JitterPercent: 10}
	b := p.Backoff()
	for i := 0; i < 50; i++ {
		d, _ := b.Next()
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()
	assert.Equal(t, 5, p[domain.MethodTypeCrypto].MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p[domain.MethodTypeCrypto].BaseDelay)
	assert.Equal(t, 3, p[domain.MethodTypeBankTransfer].MaxAttempts)
	assert.Equal(t, 2*time.Second, p[domain.MethodTypeBankTransfer].BaseDelay)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"breaker_open", breaker.ErrOpen, Unavailable},
		{"canceled", context.Canceled, NonRecoverable},
		{"deadline", context.DeadlineExceeded, Recoverable},
		{"breaker_timeout", fmt.Errorf("%w after 1s", breaker.ErrTimeout), Recoverable},
		{"net_error", &net.DNSError{Err: "no such host", Name: "rail.example"}, Recoverable},
		{"transient_processor", transient, Recoverable},
		{"limit", fmt.Errorf("x: %w", apperr.ErrLimitExceeded), NonRecoverable},
		{"auth", fmt.Errorf("x: %w", apperr.ErrAuthentication), NonRecoverable},
		{"grpc_unavailable", status.Error(codes.Unavailable, "down"), Recoverable},
		{"grpc_invalid", status.Error(codes.InvalidArgument, "bad"), NonRecoverable},
		{"text_congestion", errors.New("Network congestion, please retry"), Recoverable},
		{"text_bank", errors.New("bank temporarily unavailable"), Recoverable},
		{"text_503", errors.New("http 503: upstream"), Recoverable},
		{"text_invalid", errors.New("invalid routing number"), NonRecoverable},
		{"unknown", errors.New("something odd"), NonRecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
		})
	}
}
