// Package guard composes the request guards that must pass before the commit
// processor opens its transaction: antifraud first, then subscription. The
// ledger core only consumes the final pass/deny outcome.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

// Operation describes the mutation a guard is asked to authorize.
type Operation struct {
	MerchantID string `json:"merchant_id"`
	CustomerID string `json:"customer_id"`
	Kind       string `json:"kind"` // commit | refund
	Amount     int64  `json:"amount"`
	OrderID    string `json:"order_id,omitempty"`
}

// Guard authorizes one operation. A nil error is a pass; a denial returns one
// of the domain sentinels so the caller can report a stable code.
type Guard interface {
	Authorize(ctx context.Context, op Operation) error
}

// Chain runs guards in order and stops at the first denial.
type Chain []Guard

func (c Chain) Authorize(ctx context.Context, op Operation) error {
	for _, g := range c {
		if err := g.Authorize(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// Func adapts a plain function to the Guard interface.
type Func func(ctx context.Context, op Operation) error

func (f Func) Authorize(ctx context.Context, op Operation) error { return f(ctx, op) }

// AntifraudClient calls the external antifraud scorer over HTTP. An empty
// endpoint disables the check (evaluation happens elsewhere or not at all).
type AntifraudClient struct {
	Endpoint string
	Client   *http.Client
}

func NewAntifraudClient(endpoint string) *AntifraudClient {
	return &AntifraudClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *AntifraudClient) Authorize(ctx context.Context, op Operation) error {
	if a.Endpoint == "" {
		return nil
	}
	body, err := json.Marshal(op)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.Client.Do(req)
	if err != nil {
		// Antifraud being down must not block the ledger; the scorer is advisory.
		return nil
	}
	defer resp.Body.Close()

	var verdict struct {
		Allow  bool   `json:"allow"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil
	}
	if !verdict.Allow {
		return fmt.Errorf("%w: %s", domain.ErrAntifraudRejected, verdict.Reason)
	}
	return nil
}

// SubscriptionGuard treats an inactive merchant subscription as a precondition
// failure. The caller is assumed to have enforced it already; this is the
// engine-side backstop.
type SubscriptionGuard struct {
	db *pgxpool.Pool
}

func NewSubscriptionGuard(db *pgxpool.Pool) *SubscriptionGuard {
	return &SubscriptionGuard{db: db}
}

func (g *SubscriptionGuard) Authorize(ctx context.Context, op Operation) error {
	var active bool
	err := g.db.QueryRow(ctx,
		"SELECT subscription_active FROM merchant_settings WHERE merchant_id = $1",
		op.MerchantID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		// No settings row yet: merchants start active.
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscription check failed: %w", err)
	}
	if !active {
		return domain.ErrSubscriptionInactive
	}
	return nil
}
