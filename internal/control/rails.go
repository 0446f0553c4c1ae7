package control

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vietddude/escrowd/internal/core/config"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/breaker"
	"github.com/vietddude/escrowd/internal/infra/processor"
	"github.com/vietddude/escrowd/internal/infra/processor/bank"
	"github.com/vietddude/escrowd/internal/infra/processor/crypto"
	"github.com/vietddude/escrowd/internal/infra/processor/generic"
	"github.com/vietddude/escrowd/internal/infra/recovery"
	"github.com/vietddude/escrowd/internal/metrics"
)

// buildProcessors creates a processor for every enabled rail. The returned
// closers release the rail connections.
func buildProcessors(cfg config.ProcessorsConfig) (*processor.Registry, []io.Closer, error) {
	reg := processor.NewRegistry()
	var closers []io.Closer

	if c := cfg.Bank; c.Enabled {
		m, err := c.Money()
		if err != nil {
			return nil, closers, fmt.Errorf("processors.bank_transfer: %w", err)
		}
		bc := bank.DefaultConfig()
		if m.HasLimit {
			bc.PerTransactionLimit = m.PerTransactionLimit
		}
		if m.HasFees {
			bc.Fees = processor.FeeSchedule{Fixed: m.FixedFee, Percent: m.FeePercent}
		}
		client := bank.NewHTTPClient(c.Endpoint, c.APIKey, c.Timeout)
		closers = append(closers, client)
		reg.Register(bank.NewProcessor(client, bc))
	}

	if c := cfg.Crypto; c.Enabled {
		m, err := c.Money()
		if err != nil {
			return nil, closers, fmt.Errorf("processors.crypto: %w", err)
		}
		cc := crypto.DefaultConfig()
		if m.HasLimit {
			cc.PerTransactionLimit = m.PerTransactionLimit
		}
		if c.FeePercent != "" {
			cc.FeePercent = m.FeePercent
		}
		for network, fees := range m.NetworkFees {
			for currency, fee := range fees {
				cc.NetworkFees.Set(network, domain.NormalizeCurrency(currency), fee)
			}
		}
		if c.DefaultNetwork != "" {
			cc.DefaultNetwork = c.DefaultNetwork
		}
		client := crypto.NewRPCClient(c.Endpoint, c.APIKey, c.Timeout)
		closers = append(closers, client)
		reg.Register(crypto.NewProcessor(client, cc))
	}

	if c := cfg.Other; c.Enabled {
		m, err := c.Money()
		if err != nil {
			return nil, closers, fmt.Errorf("processors.other: %w", err)
		}
		gc := generic.DefaultConfig()
		if m.HasLimit {
			gc.PerTransactionLimit = m.PerTransactionLimit
		}
		if m.HasFees {
			gc.Fees = processor.FeeSchedule{Fixed: m.FixedFee, Percent: m.FeePercent}
		}
		client, conn, err := generic.Dial(c.Endpoint, c.APIKey)
		if err != nil {
			return nil, closers, fmt.Errorf("processors.other: %w", err)
		}
		closers = append(closers, conn)
		reg.Register(generic.NewProcessor(client, gc))
	}

	return reg, closers, nil
}

func railConfigs(cfg config.ProcessorsConfig) map[domain.MethodType]config.ProcessorConfig {
	return map[domain.MethodType]config.ProcessorConfig{
		domain.MethodTypeBankTransfer: cfg.Bank,
		domain.MethodTypeCrypto:       cfg.Crypto,
		domain.MethodTypeOther:        cfg.Other,
	}
}

func buildBreakers(cfg config.ProcessorsConfig, logger *slog.Logger) *breaker.Registry {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), logger)
	for t, c := range railConfigs(cfg) {
		bc := breaker.DefaultConfig()
		if c.Breaker.FailureThreshold > 0 {
			bc.FailureThreshold = c.Breaker.FailureThreshold
		}
		if c.Breaker.SuccessThreshold > 0 {
			bc.SuccessThreshold = c.Breaker.SuccessThreshold
		}
		if c.Breaker.RecoveryTimeout > 0 {
			bc.RecoveryTimeout = c.Breaker.RecoveryTimeout
		}
		if c.Breaker.Timeout > 0 {
			bc.Timeout = c.Breaker.Timeout
		}
		reg.Configure(t, bc)
	}
	return reg
}

func buildPolicies(cfg config.ProcessorsConfig) map[domain.MethodType]recovery.Policy {
	policies := recovery.DefaultPolicies()
	for t, c := range railConfigs(cfg) {
		p, ok := policies[t]
		if !ok {
			p = recovery.DefaultPolicy
		}
		r := c.Retry
		if r.MaxAttempts > 0 {
			p.MaxAttempts = r.MaxAttempts
		}
		if r.BaseDelay > 0 {
			p.BaseDelay = r.BaseDelay
		}
		if r.MaxDelay > 0 {
			p.MaxDelay = r.MaxDelay
		}
		if r.BackoffMultiplier > 0 {
			p.BackoffMultiplier = r.BackoffMultiplier
		}
		if r.JitterPercent > 0 {
			p.JitterPercent = r.JitterPercent
		}
		policies[t] = p
	}
	return policies
}

// observe exports breaker transitions and rail attempts to prometheus.
func observe(breakers *breaker.Registry, rm *recovery.Manager) {
	for _, t := range domain.MethodTypes {
		metrics.BreakerState.WithLabelValues(string(t)).Set(0)
	}
	breakers.OnStateChange(func(name string, _, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
		metrics.BreakerTransitionsTotal.WithLabelValues(name, to.String()).Inc()
	})
	rm.OnAttempt(func(rc recovery.Context, err error, elapsed time.Duration) {
		outcome := "success"
		if err != nil {
			outcome = recovery.Classify(err).String()
		}
		metrics.LegAttemptsTotal.WithLabelValues(string(rc.ProcessorType), string(rc.Operation), outcome).Inc()
		metrics.LegLatency.WithLabelValues(string(rc.ProcessorType), string(rc.Operation)).Observe(elapsed.Seconds())
	})
}

func stateGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
