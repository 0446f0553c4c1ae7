package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/breaker"
)

// BreakerSource lists the current breaker states.
type BreakerSource interface {
	Snapshot() []breaker.Snapshot
}

// StorePinger checks the persistence layer.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// EscrowCounter counts escrow records by status.
type EscrowCounter interface {
	CountByStatus(ctx context.Context, status domain.EscrowStatus) (int, error)
}

// Monitor aggregates health status from the breakers, the store and the
// unresolved escrow backlog.
type Monitor struct {
	breakers BreakerSource
	store    StorePinger
	escrows  EscrowCounter
	ttl      time.Duration
	now      func() time.Time

	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Reports are cached for ttl.
func NewMonitor(breakers BreakerSource, store StorePinger, escrows EscrowCounter, ttl time.Duration) *Monitor {
	return &Monitor{
		breakers: breakers,
		store:    store,
		escrows:  escrows,
		ttl:      ttl,
		now:      time.Now,
	}
}

// CheckHealth builds a report. A single unresolved escrow or an unreachable
// store is critical; an open or probing breaker is degraded.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.ttl {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Store:        StatusHealthy,
		Processors:   make(map[string]ProcessorHealth),
	}

	// 1. Store
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := m.store.Ping(pingCtx)
	cancel()
	if err != nil {
		report.Store = StatusCritical
		report.StoreError = err.Error()
	}
	report.SystemStatus = worst(report.SystemStatus, report.Store)

	// 2. Unresolved escrows
	if report.Store == StatusHealthy {
		n, err := m.escrows.CountByStatus(ctx, domain.EscrowStatusFailed)
		if err != nil {
			report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
		}
		report.UnresolvedEscrows = n
		if n > 0 {
			report.SystemStatus = StatusCritical
		}
	}

	// 3. Breakers
	for _, s := range m.breakers.Snapshot() {
		ph := ProcessorHealth{
			Processor:    s.Name,
			Status:       StatusHealthy,
			BreakerState: s.State,
			FailureCount: s.FailureCount,
			Rejections:   s.Metrics.Rejections,
		}
		if s.State != breaker.StateClosed.String() {
			ph.Status = StatusDegraded
		}
		report.Processors[s.Name] = ph
		report.SystemStatus = worst(report.SystemStatus, ph.Status)
	}

	m.lastCheck = m.now()
	m.lastReport = &report
	return report
}
