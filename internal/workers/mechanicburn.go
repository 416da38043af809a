package workers

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/ledger"
	"github.com/loyaltyops/pointsledger/internal/rules"
)

// MechanicBurn expires bonus-mechanic points (registration bonuses, birthday
// gifts, auto-returns, complimentary grants) past the merchant's giftTtlDays.
// Same atomic path as the purchase TTL burn; only the lot selection differs.
type MechanicBurn struct {
	DB     *pgxpool.Pool
	Ledger *ledger.Store
	Logger *slog.Logger
}

func (w *MechanicBurn) Name() string { return "points_mechanic_burn" }

func (w *MechanicBurn) Tick(ctx context.Context) error {
	targets, err := burnTargets(ctx, w.DB, w.Logger, func(r rules.Rules) int64 {
		return r.GiftTTLDays
	})
	if err != nil {
		return err
	}
	job := &burnJob{
		db:        w.DB,
		ledger:    w.Ledger,
		logger:    w.Logger,
		kind:      "gift",
		lotCond:   bonusMechanicCond,
		eventType: "loyalty.points_gift.burned",
	}
	job.run(ctx, targets)
	return nil
}
