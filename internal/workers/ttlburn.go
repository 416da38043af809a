package workers

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/ledger"
	"github.com/loyaltyops/pointsledger/internal/rules"
)

// TTLBurn expires purchase-earned points past the merchant's configured
// lifetime. Earn transactions carry a burned counter; the unburned remainder
// of each expired earn is burned FIFO (oldest first, id as tie-break), never
// exceeding the customer's current balance nor any earn's original amount.
// Bonus-mechanic earns are excluded here; MechanicBurn owns their expiry.
type TTLBurn struct {
	DB     *pgxpool.Pool
	Ledger *ledger.Store
	Logger *slog.Logger
}

func (w *TTLBurn) Name() string { return "points_ttl_burn" }

func (w *TTLBurn) Tick(ctx context.Context) error {
	targets, err := burnTargets(ctx, w.DB, w.Logger, func(r rules.Rules) int64 {
		return r.PointsTTLDays
	})
	if err != nil {
		return err
	}
	job := &burnJob{
		db:        w.DB,
		ledger:    w.Ledger,
		logger:    w.Logger,
		kind:      "purchase",
		lotCond:   purchaseLotCond,
		eventType: "loyalty.points_ttl.burned",
	}
	job.run(ctx, targets)
	return nil
}
