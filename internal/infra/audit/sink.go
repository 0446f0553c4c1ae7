// Package audit publishes saga events to log, stream and graph sinks.
package audit

import (
	"context"
	"log/slog"

	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/metrics"
)

// Sink receives one event per saga state transition.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev domain.Event) error
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, ev domain.Event) error {
	attrs := []any{
		"tx", ev.TransactionID,
		"amount", ev.Amount.String(),
		"currency", ev.Currency,
	}
	if ev.ProcessorType != "" {
		attrs = append(attrs, "processor", ev.ProcessorType)
	}
	if ev.ExternalID != "" {
		attrs = append(attrs, "external_id", ev.ExternalID)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}

	level := slog.LevelInfo
	if ev.Type == domain.EventEscrowUnresolved {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "[EVENT] "+string(ev.Type), attrs...)
	return nil
}

// MultiSink fans an event out to every sink. A failing sink is logged and
// counted; it never blocks the others and never fails the publish.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMultiSink(logger *slog.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Publish(ctx context.Context, ev domain.Event) error {
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.EventPublishErrors.WithLabelValues(s.Name()).Inc()
			m.logger.Warn("Audit sink rejected event",
				"sink", s.Name(),
				"tx", ev.TransactionID,
				"event", ev.Type,
				"error", err,
			)
		}
	}
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Name() string                                 { return "discard" }
func (Discard) Publish(context.Context, domain.Event) error { return nil }
