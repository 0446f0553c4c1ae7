package worker

import (
	"context"
	"log/slog"
	"time"
)

// HoldExpirer returns escrowed funds whose hold timed out.
type HoldExpirer interface {
	ExpireHolds(ctx context.Context) (int, error)
}

// Expiry periodically resolves expired escrow holds so funds never stay in
// custody indefinitely.
type Expiry struct {
	expirer  HoldExpirer
	interval time.Duration
	logger   *slog.Logger
}

// NewExpiry creates a new Expiry worker.
func NewExpiry(expirer HoldExpirer, interval time.Duration, logger *slog.Logger) *Expiry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expiry{
		expirer:  expirer,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the expiry loop until ctx is done.
func (e *Expiry) Start(ctx context.Context) {
	if e.interval <= 0 {
		return // Expiry disabled
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Initial sweep
	e.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Expiry) sweep(ctx context.Context) {
	n, err := e.expirer.ExpireHolds(ctx)
	if err != nil {
		e.logger.Error("[Expiry] failed to resolve some holds", "resolved", n, "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("[Expiry] resolved expired holds", "count", n)
	}
}
