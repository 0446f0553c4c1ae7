package worker

import (
	"context"
	"log/slog"
	"time"
)

// SagaResumer drives every non-terminal transaction from its committed state.
type SagaResumer interface {
	ResumeAll(ctx context.Context) (int, error)
}

// Resumer re-drives in-flight sagas once at start-up and then on an interval,
// picking up transactions left behind by a crashed instance.
type Resumer struct {
	resumer  SagaResumer
	interval time.Duration
	logger   *slog.Logger
}

func NewResumer(r SagaResumer, interval time.Duration, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{resumer: r, interval: interval, logger: logger}
}

// Start resumes once, then repeats every interval until ctx is done. A
// non-positive interval only runs the start-up pass.
func (r *Resumer) Start(ctx context.Context) {
	r.run(ctx)
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

func (r *Resumer) run(ctx context.Context) {
	n, err := r.resumer.ResumeAll(ctx)
	if err != nil {
		r.logger.Warn("[Resume] some sagas did not advance", "visited", n, "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("[Resume] in-flight sagas visited", "count", n)
	}
}
