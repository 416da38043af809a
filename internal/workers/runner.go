// Package workers holds the background jobs that converge stale state to
// terminal status: hold expiry, points TTL burn, TTL reminders, and the GC
// sweeps for idempotency and outbox retention. Every job claims its work with
// a conditional update, so running replicas side by side is safe.
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lastTick = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loyalty_worker_last_tick_seconds",
		Help: "Unix time of each worker's last tick",
	}, []string{"worker"})

	tickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_worker_tick_errors_total",
		Help: "Worker ticks that returned an error",
	}, []string{"worker"})
)

// Job is one periodic background task.
type Job interface {
	Name() string
	Tick(ctx context.Context) error
}

// Run drives a job on its interval until the context is canceled. Ticks run
// sequentially; a slow tick delays the next one instead of overlapping it.
func Run(ctx context.Context, logger *slog.Logger, interval time.Duration, job Job) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("worker started", "worker", job.Name(), "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped", "worker", job.Name())
			return
		case <-ticker.C:
			lastTick.WithLabelValues(job.Name()).SetToCurrentTime()
			if err := job.Tick(ctx); err != nil {
				tickErrors.WithLabelValues(job.Name()).Inc()
				logger.Error("worker tick failed", "worker", job.Name(), "error", err)
			}
		}
	}
}
