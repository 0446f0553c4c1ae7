package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsTotal counts transactions reaching each status
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_transactions_total",
			Help: "Total number of transaction status transitions",
		},
		[]string{"status"},
	)

	// LegAttemptsTotal counts rail attempts per processor, operation and outcome
	LegAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_leg_attempts_total",
			Help: "Total number of rail attempts",
		},
		[]string{"processor", "op", "outcome"},
	)

	// LegLatency tracks a single rail attempt
	LegLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowd_leg_latency_seconds",
			Help:    "Rail attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"processor", "op"},
	)

	// BreakerState is 0 closed, 1 half open, 2 open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrowd_breaker_state",
			Help: "Circuit breaker state per processor (0 closed, 1 half open, 2 open)",
		},
		[]string{"processor"},
	)

	// BreakerTransitionsTotal counts breaker state changes
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_breaker_transitions_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"processor", "to"},
	)

	// UnresolvedEscrows is the number of escrows whose release and return both failed
	UnresolvedEscrows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrowd_unresolved_escrows",
			Help: "Escrows awaiting operator intervention",
		},
	)

	// EscrowsExpiredTotal counts holds returned by the expiry worker
	EscrowsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_escrows_expired_total",
			Help: "Total number of holds that reached their timeout",
		},
	)

	// EventPublishErrors counts audit sink failures
	EventPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_event_publish_errors_total",
			Help: "Total number of audit events a sink failed to accept",
		},
		[]string{"sink"},
	)

	// DBConnectionPoolUsage is open connections as a percentage of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrowd_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// DBQueryLatency tracks store queries
	DBQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowd_db_query_latency_seconds",
			Help:    "Database query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)
