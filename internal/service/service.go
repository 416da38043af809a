// Package service is the transactional core: commit, refund, and burn run as
// single atomic units that lock the wallet row, append the transaction and
// ledger records, persist the idempotency result, and enqueue the outbox
// event. On any failure the whole unit rolls back with no partial effects.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/guard"
	"github.com/loyaltyops/pointsledger/internal/ledger"
	"github.com/loyaltyops/pointsledger/internal/store"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_commits_total",
		Help: "Commit operations by outcome",
	}, []string{"result"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_refunds_total",
		Help: "Refund operations by outcome",
	}, []string{"result"})

	ledgerImbalanceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_ledger_imbalance_total",
		Help: "Fatal ledger imbalance detections; each halts the merchant ledger",
	})
)

const (
	scopeCommit = "commit"
	scopeRefund = "refund"
)

// Processor executes commits and refunds. IdemTTL bounds how long a finished
// idempotency result is replayable before GC reclaims it.
type Processor struct {
	store  *store.Store
	ledger *ledger.Store
	guards guard.Guard
	logger *slog.Logger

	IdemTTL time.Duration
}

func NewProcessor(s *store.Store, l *ledger.Store, g guard.Guard, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: s, ledger: l, guards: g, logger: logger, IdemTTL: 24 * time.Hour}
}

// HashRequest derives the request fingerprint stored next to the idempotency
// key; replays with a different payload are rejected, not deduplicated.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// checkIdempotency resolves a key inside the caller's transaction.
// Returns the stored response when the identical request already completed.
func checkIdempotency(ctx context.Context, tx pgx.Tx, key, scope, reqHash string) (json.RawMessage, error) {
	var storedHash string
	var status domain.IdempotencyStatus
	var body json.RawMessage
	err := tx.QueryRow(ctx,
		`SELECT request_hash, status, response_body FROM idempotency_keys
		 WHERE key = $1 AND scope = $2 AND expires_at > now()`,
		key, scope).Scan(&storedHash, &status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return resolveIdemRow(storedHash, reqHash, status, body)
}

// resolveIdemRow decides what an existing key row means for this request:
// a completed identical request replays its stored response, a different
// payload is a conflict, and a PENDING row is a duplicate still in flight.
func resolveIdemRow(storedHash, reqHash string, status domain.IdempotencyStatus, body json.RawMessage) (json.RawMessage, error) {
	if storedHash != reqHash {
		return nil, domain.ErrIdempotencyConflict
	}
	if status != domain.IdemDone {
		return nil, domain.ErrRequestInProgress
	}
	return body, nil
}

// reserveIdempotency claims the key for this request. An expired leftover row
// is reclaimed. When the upsert claims nothing, a concurrent duplicate holds
// the key: the insert blocks until that request resolves, so a second read
// sees its committed outcome and can replay it. A non-nil body is a replay.
func reserveIdempotency(ctx context.Context, tx pgx.Tx, key, scope, reqHash string, ttl time.Duration) (json.RawMessage, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO idempotency_keys (key, scope, request_hash, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key, scope) DO UPDATE
		   SET request_hash = EXCLUDED.request_hash, status = EXCLUDED.status,
		       response_body = NULL, expires_at = EXCLUDED.expires_at,
		       created_at = now()
		   WHERE idempotency_keys.expires_at <= now()`,
		key, scope, reqHash, domain.IdemPending, time.Now().Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("idempotency reservation failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		stored, err := checkIdempotency(ctx, tx, key, scope, reqHash)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			return stored, nil
		}
		return nil, domain.ErrRequestInProgress
	}
	return nil, nil
}

func finalizeIdempotency(ctx context.Context, tx pgx.Tx, key, scope string, result any) (json.RawMessage, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE idempotency_keys SET status = $1, response_body = $2
		 WHERE key = $3 AND scope = $4`,
		domain.IdemDone, body, key, scope)
	if err != nil {
		return nil, fmt.Errorf("idempotency finalize failed: %w", err)
	}
	return body, nil
}

// enqueueEvent writes the outbox row in the same transaction as the mutation
// it reports, so the event exists iff the mutation committed.
func enqueueEvent(ctx context.Context, tx pgx.Tx, merchantID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO event_outbox (id, merchant_id, event_type, payload, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), merchantID, eventType, body, domain.OutboxPending)
	if err != nil {
		return fmt.Errorf("outbox insert failed: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, merchant_id, customer_id, type, amount, order_id, refund_of, mechanic, outlet_id, staff_id)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), NULLIF($10, ''))`,
		t.ID, t.MerchantID, t.CustomerID, t.Type, t.Amount, t.OrderID, t.RefundOf, t.Mechanic, t.OutletID, t.StaffID)
	if err != nil {
		var pgErr *pgconn.PgError
		// The partial unique index on (merchant, order, type) turns a raced
		// duplicate commit into a definitive error instead of a double-effect.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrOrderAlreadyCommitted
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

// applyDelta mutates the locked wallet row. Redeems that would drive the
// balance negative are rejected before the update.
func applyDelta(ctx context.Context, tx pgx.Tx, w *domain.Wallet, delta int64) error {
	if delta == 0 {
		return nil
	}
	if w.Balance+delta < 0 {
		return domain.ErrInsufficientBalance
	}
	tag, err := tx.Exec(ctx,
		"UPDATE wallets SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0",
		delta, w.ID)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientBalance
	}
	w.Balance += delta
	return nil
}

// haltLedger flags the merchant after a fatal imbalance. Runs outside the
// rolled-back transaction, surfaces to operators via metric and log, and is
// never corrected automatically.
func (p *Processor) haltLedger(ctx context.Context, merchantID string, cause error) {
	ledgerImbalanceTotal.Inc()
	p.logger.Error("ledger imbalance, halting merchant ledger",
		"merchant_id", merchantID, "error", cause)
	_, err := p.store.Pool.Exec(ctx,
		`INSERT INTO merchant_settings (merchant_id, ledger_halted) VALUES ($1, TRUE)
		 ON CONFLICT (merchant_id) DO UPDATE SET ledger_halted = TRUE`,
		merchantID)
	if err != nil {
		p.logger.Error("failed to persist ledger halt", "merchant_id", merchantID, "error", err)
	}
}
