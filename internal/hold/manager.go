// Package hold manages the short-lived reservations minted for QR flows.
// Transitions out of ACTIVE are conditional updates keyed on the current
// status, so commit/cancel/expire races resolve to exactly one terminal state.
package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

type Manager struct {
	db *pgxpool.Pool
}

func NewManager(db *pgxpool.Pool) *Manager {
	return &Manager{db: db}
}

const holdCols = `id, merchant_id, customer_id, mode, amount,
	COALESCE(order_id, ''), COALESCE(outlet_id, ''), COALESCE(staff_id, ''),
	token, status, expires_at, created_at`

func scanHold(row pgx.Row) (*domain.Hold, error) {
	var h domain.Hold
	err := row.Scan(&h.ID, &h.MerchantID, &h.CustomerID, &h.Mode, &h.Amount,
		&h.OrderID, &h.OutletID, &h.StaffID, &h.Token, &h.Status, &h.ExpiresAt, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, err
	}
	return &h, nil
}

// MintQR creates an ACTIVE hold with a fresh opaque token for the cashier
// scanner. ttl bounds how long the reservation stays claimable.
func (m *Manager) MintQR(ctx context.Context, merchantID, customerID string, mode domain.HoldMode, amount int64, ttl time.Duration) (*domain.Hold, error) {
	if merchantID == "" || customerID == "" {
		return nil, fmt.Errorf("%w: merchantId and customerId required", domain.ErrValidation)
	}
	if mode != domain.HoldModeEarn && mode != domain.HoldModeRedeem {
		return nil, fmt.Errorf("%w: unknown hold mode %q", domain.ErrValidation, mode)
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", domain.ErrValidation)
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	h := &domain.Hold{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		CustomerID: customerID,
		Mode:       mode,
		Amount:     amount,
		Token:      uuid.NewString(),
		Status:     domain.HoldActive,
		ExpiresAt:  time.Now().Add(ttl),
		CreatedAt:  time.Now(),
	}
	_, err := m.db.Exec(ctx,
		`INSERT INTO holds (id, merchant_id, customer_id, mode, amount, token, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.MerchantID, h.CustomerID, h.Mode, h.Amount, h.Token, h.Status, h.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("hold insert failed: %w", err)
	}
	return h, nil
}

// Get loads a hold by ID.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Hold, error) {
	return scanHold(m.db.QueryRow(ctx, "SELECT "+holdCols+" FROM holds WHERE id = $1", id))
}

// GetByToken resolves a scanned QR token.
func (m *Manager) GetByToken(ctx context.Context, token string) (*domain.Hold, error) {
	return scanHold(m.db.QueryRow(ctx, "SELECT "+holdCols+" FROM holds WHERE token = $1", token))
}

// Cancel transitions ACTIVE -> CANCELED. Cancellation is idempotent: a hold
// already canceled (or otherwise terminal) returns ok without a new effect.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	tag, err := m.db.Exec(ctx,
		"UPDATE holds SET status = $1 WHERE id = $2 AND status = $3",
		domain.HoldCanceled, id, domain.HoldActive)
	if err != nil {
		return fmt.Errorf("hold cancel failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	h, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if h.Status.Terminal() {
		return nil
	}
	// Lost a race against another transition between the update and the read.
	return domain.TerminalHoldError(h.Status)
}

// Claim transitions ACTIVE -> COMMITTED on the caller's transaction handle,
// binding the hold to an order. The losing side of a concurrent claim gets
// the definitive terminal-state error.
func Claim(ctx context.Context, tx pgx.Tx, holdID, orderID string, now time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE holds SET status = $1, order_id = $2
		 WHERE id = $3 AND status = $4 AND expires_at > $5`,
		domain.HoldCommitted, orderID, holdID, domain.HoldActive, now)
	if err != nil {
		return fmt.Errorf("hold claim failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status domain.HoldStatus
	var expiresAt time.Time
	err = tx.QueryRow(ctx, "SELECT status, expires_at FROM holds WHERE id = $1", holdID).
		Scan(&status, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrHoldNotFound
		}
		return err
	}
	if status == domain.HoldActive && !expiresAt.After(now) {
		return domain.ErrHoldExpired
	}
	if e := domain.TerminalHoldError(status); e != nil {
		return e
	}
	return domain.ErrHoldNotFound
}
