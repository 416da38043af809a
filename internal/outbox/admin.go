package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

// Admin exposes the manual outbox operations: resurrecting DEAD events and
// pausing a merchant's deliveries without losing what is queued.
type Admin struct {
	db *pgxpool.Pool
}

func NewAdmin(db *pgxpool.Pool) *Admin {
	return &Admin{db: db}
}

// Retry resets one event to PENDING regardless of its terminal state.
func (a *Admin) Retry(ctx context.Context, eventID string) error {
	tag, err := a.db.Exec(ctx,
		`UPDATE event_outbox
		 SET status = $1, retries = 0, next_retry_at = NULL, last_error = NULL, updated_at = now()
		 WHERE id = $2 AND status IN ($3, $4, $5)`,
		domain.OutboxPending, eventID, domain.OutboxDead, domain.OutboxFailed, domain.OutboxPaused)
	if err != nil {
		return fmt.Errorf("outbox retry failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// RetryAll resets every DEAD event of a merchant. Returns the count touched.
func (a *Admin) RetryAll(ctx context.Context, merchantID string) (int64, error) {
	tag, err := a.db.Exec(ctx,
		`UPDATE event_outbox
		 SET status = $1, retries = 0, next_retry_at = NULL, last_error = NULL, updated_at = now()
		 WHERE merchant_id = $2 AND status = $3`,
		domain.OutboxPending, merchantID, domain.OutboxDead)
	if err != nil {
		return 0, fmt.Errorf("outbox retryAll failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetrySince resets DEAD events created at or after the cutoff.
func (a *Admin) RetrySince(ctx context.Context, merchantID string, since time.Time) (int64, error) {
	tag, err := a.db.Exec(ctx,
		`UPDATE event_outbox
		 SET status = $1, retries = 0, next_retry_at = NULL, last_error = NULL, updated_at = now()
		 WHERE merchant_id = $2 AND status = $3 AND created_at >= $4`,
		domain.OutboxPending, merchantID, domain.OutboxDead, since)
	if err != nil {
		return 0, fmt.Errorf("outbox retrySince failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Pause blocks dispatch for a merchant until the given time. Queued and
// in-flight events are parked PAUSED by the dispatcher, not dropped.
func (a *Admin) Pause(ctx context.Context, merchantID string, until time.Time) error {
	_, err := a.db.Exec(ctx,
		`INSERT INTO merchant_settings (merchant_id, outbox_paused_until) VALUES ($1, $2)
		 ON CONFLICT (merchant_id) DO UPDATE SET outbox_paused_until = EXCLUDED.outbox_paused_until`,
		merchantID, until)
	if err != nil {
		return fmt.Errorf("outbox pause failed: %w", err)
	}
	return nil
}

// Resume clears the pause and releases parked events back to PENDING.
func (a *Admin) Resume(ctx context.Context, merchantID string) error {
	_, err := a.db.Exec(ctx,
		"UPDATE merchant_settings SET outbox_paused_until = NULL WHERE merchant_id = $1",
		merchantID)
	if err != nil {
		return fmt.Errorf("outbox resume failed: %w", err)
	}
	_, err = a.db.Exec(ctx,
		`UPDATE event_outbox SET status = $1, next_retry_at = NULL, updated_at = now()
		 WHERE merchant_id = $2 AND status = $3`,
		domain.OutboxPending, merchantID, domain.OutboxPaused)
	if err != nil {
		return fmt.Errorf("outbox resume release failed: %w", err)
	}
	return nil
}
