package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

var holdsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "loyalty_holds_expired_total",
	Help: "Holds transitioned to EXPIRED by the GC",
})

// HoldGC expires stale ACTIVE holds in bounded batches. The status predicate
// in the UPDATE is the claim: a hold committed or canceled concurrently is
// left alone.
type HoldGC struct {
	DB        *pgxpool.Pool
	Logger    *slog.Logger
	BatchSize int
}

func (g *HoldGC) Name() string { return "hold_gc" }

func (g *HoldGC) Tick(ctx context.Context) error {
	batch := g.BatchSize
	if batch <= 0 {
		batch = 500
	}
	for {
		tag, err := g.DB.Exec(ctx,
			`UPDATE holds SET status = $1
			 WHERE id IN (
			   SELECT id FROM holds
			   WHERE status = $2 AND expires_at < now()
			   LIMIT $3
			 ) AND status = $2`,
			domain.HoldExpired, domain.HoldActive, batch)
		if err != nil {
			return fmt.Errorf("hold gc update failed: %w", err)
		}
		n := tag.RowsAffected()
		if n > 0 {
			holdsExpiredTotal.Add(float64(n))
			g.Logger.Info("expired holds", "count", n)
		}
		if int(n) < batch {
			return nil
		}
	}
}
