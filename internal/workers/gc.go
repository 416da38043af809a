package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

var gcPurgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_gc_purged_total",
	Help: "Rows purged by the retention GC",
}, []string{"table"})

// RetentionGC purges idempotency keys past their expiry and terminal outbox
// rows past the retention window, in bounded batches to cap lock duration.
type RetentionGC struct {
	DB              *pgxpool.Pool
	Logger          *slog.Logger
	OutboxRetention time.Duration
	BatchSize       int
}

func (g *RetentionGC) Name() string { return "retention_gc" }

func (g *RetentionGC) Tick(ctx context.Context) error {
	batch := g.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	retention := g.OutboxRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	if err := g.purgeLoop(ctx, "idempotency_keys",
		`DELETE FROM idempotency_keys WHERE (key, scope) IN (
		   SELECT key, scope FROM idempotency_keys WHERE expires_at < now() LIMIT $1
		 )`, batch); err != nil {
		return err
	}

	cutoff := time.Now().Add(-retention)
	return g.purgeLoop(ctx, "event_outbox",
		`DELETE FROM event_outbox WHERE id IN (
		   SELECT id FROM event_outbox
		   WHERE status IN ($2, $3) AND created_at < $4
		   LIMIT $1
		 )`, batch, domain.OutboxSent, domain.OutboxDead, cutoff)
}

func (g *RetentionGC) purgeLoop(ctx context.Context, table, sql string, batch int, args ...any) error {
	for {
		tag, err := g.DB.Exec(ctx, sql, append([]any{batch}, args...)...)
		if err != nil {
			return fmt.Errorf("%s gc failed: %w", table, err)
		}
		n := tag.RowsAffected()
		if n > 0 {
			gcPurgedTotal.WithLabelValues(table).Add(float64(n))
			g.Logger.Info("gc purged rows", "table", table, "count", n)
		}
		if int(n) < batch {
			return nil
		}
	}
}
