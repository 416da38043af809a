package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/ledger"
	"github.com/loyaltyops/pointsledger/internal/rules"
)

var (
	burnOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_points_burned_total",
		Help: "Burn operations executed",
	}, []string{"kind"})
	burnAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_points_burned_amount_total",
		Help: "Points burned by expiry workers",
	}, []string{"kind"})
)

// earnLot is the burnable remainder of one expired earn transaction.
type earnLot struct {
	ID        string
	Remaining int64
}

type burnTake struct {
	ID   string
	Take int64
}

// allocateFIFO splits the burn budget across lots oldest-first. The returned
// total never exceeds the budget nor the sum of remainders.
func allocateFIFO(lots []earnLot, budget int64) ([]burnTake, int64) {
	var takes []burnTake
	var total int64
	for _, lot := range lots {
		if budget <= 0 {
			break
		}
		if lot.Remaining <= 0 {
			continue
		}
		take := lot.Remaining
		if take > budget {
			take = budget
		}
		takes = append(takes, burnTake{ID: lot.ID, Take: take})
		total += take
		budget -= take
	}
	return takes, total
}

// burnJob is the expiry path shared by the purchase-TTL and gift-mechanic
// workers. lotCond is a SQL fragment built from package constants, never from
// input, selecting which earn transactions this job may burn.
type burnJob struct {
	db        *pgxpool.Pool
	ledger    *ledger.Store
	logger    *slog.Logger
	kind      string
	lotCond   string
	eventType string
}

type burnTarget struct {
	merchantID string
	ttlDays    int64
}

// burnTargets scans merchant settings and keeps those where pick returns a
// positive day count for this job's rule.
func burnTargets(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger, pick func(rules.Rules) int64) ([]burnTarget, error) {
	rows, err := db.Query(ctx,
		"SELECT merchant_id, rules_json FROM merchant_settings WHERE ledger_halted = FALSE")
	if err != nil {
		return nil, fmt.Errorf("merchant scan failed: %w", err)
	}
	defer rows.Close()

	var targets []burnTarget
	for rows.Next() {
		var merchantID string
		var rulesJSON []byte
		if err := rows.Scan(&merchantID, &rulesJSON); err != nil {
			return nil, err
		}
		r, err := rules.Parse(rulesJSON)
		if err != nil {
			logger.Warn("skipping merchant with invalid rules", "merchant_id", merchantID, "error", err)
			continue
		}
		if days := pick(r); days > 0 {
			targets = append(targets, burnTarget{merchantID, days})
		}
	}
	return targets, rows.Err()
}

func (b *burnJob) run(ctx context.Context, targets []burnTarget) {
	for _, t := range targets {
		cutoff := time.Now().AddDate(0, 0, -int(t.ttlDays))
		if err := b.burnMerchant(ctx, t.merchantID, cutoff); err != nil {
			b.logger.Error("burn failed", "kind", b.kind, "merchant_id", t.merchantID, "error", err)
		}
	}
}

func (b *burnJob) burnMerchant(ctx context.Context, merchantID string, cutoff time.Time) error {
	rows, err := b.db.Query(ctx,
		`SELECT DISTINCT customer_id FROM transactions
		 WHERE merchant_id = $1 AND type = $2 AND created_at < $3
		   AND burned < amount AND `+b.lotCond,
		merchantID, domain.TxnEarn, cutoff)
	if err != nil {
		return err
	}
	var customers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		customers = append(customers, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, customerID := range customers {
		burned, err := b.burnCustomer(ctx, merchantID, customerID, cutoff)
		if err != nil {
			b.logger.Error("burn customer failed", "kind", b.kind,
				"merchant_id", merchantID, "customer_id", customerID, "error", err)
			continue
		}
		if burned > 0 {
			burnOpsTotal.WithLabelValues(b.kind).Inc()
			burnAmountTotal.WithLabelValues(b.kind).Add(float64(burned))
			b.logger.Info("points burned", "kind", b.kind, "merchant_id", merchantID,
				"customer_id", customerID, "amount", burned)
		}
	}
	return nil
}

// missingWallet reports whether a wallet scan error means the customer has no
// points wallet at all. Any other error is a real failure and must propagate.
func missingWallet(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func (b *burnJob) burnCustomer(ctx context.Context, merchantID, customerID string, cutoff time.Time) (int64, error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var walletID string
	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT id, balance FROM wallets
		 WHERE merchant_id = $1 AND customer_id = $2 AND type = $3 FOR UPDATE`,
		merchantID, customerID, domain.WalletPoints).Scan(&walletID, &balance)
	if err != nil {
		if missingWallet(err) {
			return 0, nil // no wallet, nothing to burn
		}
		return 0, err
	}
	if balance <= 0 {
		return 0, nil
	}

	lotRows, err := tx.Query(ctx,
		`SELECT id, amount - burned FROM transactions
		 WHERE merchant_id = $1 AND customer_id = $2 AND type = $3
		   AND created_at < $4 AND burned < amount AND `+b.lotCond+`
		 ORDER BY created_at, id
		 FOR UPDATE`,
		merchantID, customerID, domain.TxnEarn, cutoff)
	if err != nil {
		return 0, err
	}
	var lots []earnLot
	for lotRows.Next() {
		var lot earnLot
		if err := lotRows.Scan(&lot.ID, &lot.Remaining); err != nil {
			lotRows.Close()
			return 0, err
		}
		lots = append(lots, lot)
	}
	lotRows.Close()
	if err := lotRows.Err(); err != nil {
		return 0, err
	}

	takes, burnAmount := allocateFIFO(lots, balance)
	if burnAmount <= 0 {
		return 0, nil
	}

	// Conditional decrement: the wallet lock makes this safe, the predicate
	// makes it provably non-negative.
	tag, err := tx.Exec(ctx,
		"UPDATE wallets SET balance = balance - $1 WHERE id = $2 AND balance >= $1",
		burnAmount, walletID)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, nil
	}
	for _, take := range takes {
		if _, err := tx.Exec(ctx,
			"UPDATE transactions SET burned = burned + $1 WHERE id = $2 AND burned + $1 <= amount",
			take.Take, take.ID); err != nil {
			return 0, err
		}
	}

	burnTxnID := uuid.NewString()
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, merchant_id, customer_id, type, amount)
		 VALUES ($1, $2, $3, $4, $5)`,
		burnTxnID, merchantID, customerID, domain.TxnBurn, -burnAmount); err != nil {
		return 0, err
	}
	if err := b.ledger.Append(ctx, tx,
		ledger.RedeemEntry(merchantID, customerID, burnTxnID, "", burnAmount)); err != nil {
		return 0, err
	}
	payload := fmt.Sprintf(
		`{"merchantId":%q,"customerId":%q,"amount":%d,"cutoff":%q,"computedAt":%q}`,
		merchantID, customerID, burnAmount,
		cutoff.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if _, err := tx.Exec(ctx,
		`INSERT INTO event_outbox (id, merchant_id, event_type, payload, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), merchantID, b.eventType, []byte(payload), domain.OutboxPending); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return burnAmount, nil
}
