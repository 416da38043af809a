package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/rules"
)

// TTLReminder emits a preview event for balances that will expire within the
// warning window, at most once per customer per day. Notification itself is an
// external dispatcher's job; this worker never mutates the ledger.
type TTLReminder struct {
	DB     *pgxpool.Pool
	Logger *slog.Logger
	// WarnDays is how far ahead of expiry the reminder fires.
	WarnDays int
}

func (w *TTLReminder) Name() string { return "points_ttl_reminder" }

func (w *TTLReminder) Tick(ctx context.Context) error {
	warnDays := w.WarnDays
	if warnDays <= 0 {
		warnDays = 7
	}
	rows, err := w.DB.Query(ctx,
		"SELECT merchant_id, rules_json FROM merchant_settings")
	if err != nil {
		return fmt.Errorf("merchant scan failed: %w", err)
	}
	type target struct {
		merchantID string
		ttlDays    int64
	}
	var targets []target
	for rows.Next() {
		var merchantID string
		var rulesJSON []byte
		if err := rows.Scan(&merchantID, &rulesJSON); err != nil {
			rows.Close()
			return err
		}
		r, err := rules.Parse(rulesJSON)
		if err != nil || r.PointsTTLDays <= 0 {
			continue
		}
		targets = append(targets, target{merchantID, r.PointsTTLDays})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	previewDate := time.Now().UTC().Format("2006-01-02")
	for _, t := range targets {
		// Earns whose TTL elapses inside the warning window.
		oldest := time.Now().AddDate(0, 0, -int(t.ttlDays))
		newest := oldest.AddDate(0, 0, warnDays)
		if err := w.remindMerchant(ctx, t.merchantID, oldest, newest, t.ttlDays, previewDate); err != nil {
			w.Logger.Error("ttl reminder failed", "merchant_id", t.merchantID, "error", err)
		}
	}
	return nil
}

func (w *TTLReminder) remindMerchant(ctx context.Context, merchantID string, oldest, newest time.Time, ttlDays int64, previewDate string) error {
	rows, err := w.DB.Query(ctx,
		`SELECT customer_id, SUM(amount - burned) FROM transactions
		 WHERE merchant_id = $1 AND type = $2
		   AND burned < amount AND created_at >= $3 AND created_at < $4
		   AND `+purchaseLotCond+`
		 GROUP BY customer_id`,
		merchantID, domain.TxnEarn, oldest, newest)
	if err != nil {
		return err
	}
	type expiring struct {
		customerID string
		points     int64
	}
	var batch []expiring
	for rows.Next() {
		var e expiring
		if err := rows.Scan(&e.customerID, &e.points); err != nil {
			rows.Close()
			return err
		}
		if e.points > 0 {
			batch = append(batch, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range batch {
		// One reminder per customer per day.
		var exists bool
		err := w.DB.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM event_outbox
			   WHERE merchant_id = $1 AND event_type = $2
			     AND payload->>'customerId' = $3 AND payload->>'previewDate' = $4
			 )`,
			merchantID, "loyalty.points_ttl.preview", e.customerID, previewDate).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		payload := fmt.Sprintf(
			`{"merchantId":%q,"customerId":%q,"expiringPoints":%d,"ttlDays":%d,"previewDate":%q,"computedAt":%q}`,
			merchantID, e.customerID, e.points, ttlDays, previewDate,
			time.Now().UTC().Format(time.RFC3339))
		if _, err := w.DB.Exec(ctx,
			`INSERT INTO event_outbox (id, merchant_id, event_type, payload, status)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), merchantID, "loyalty.points_ttl.preview", []byte(payload), domain.OutboxPending); err != nil {
			return err
		}
	}
	return nil
}
