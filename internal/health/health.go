// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

func (s SystemStatus) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// worst returns the more severe of a and b.
func worst(a, b SystemStatus) SystemStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ProcessorHealth is the view of one rail through its circuit breaker.
type ProcessorHealth struct {
	Processor    string       `json:"processor"`
	Status       SystemStatus `json:"status"`
	BreakerState string       `json:"breaker_state"`
	FailureCount int          `json:"failure_count"`
	Rejections   int64        `json:"rejections"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus      SystemStatus               `json:"system_status"`
	Store             SystemStatus               `json:"store"`
	StoreError        string                     `json:"store_error,omitempty"`
	UnresolvedEscrows int                        `json:"unresolved_escrows"`
	Processors        map[string]ProcessorHealth `json:"processors"`
}
