package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/guard"
	"github.com/loyaltyops/pointsledger/internal/hold"
	"github.com/loyaltyops/pointsledger/internal/ledger"
	"github.com/loyaltyops/pointsledger/internal/quote"
)

// CommitRequest turns a quote/hold into a durable balance change. Redeem flows
// reference the hold minted by the QR scan; earn-only flows may commit
// directly against an order.
type CommitRequest struct {
	HoldID     string          `json:"hold_id,omitempty"`
	OrderID    string          `json:"order_id"`
	MerchantID string          `json:"merchant_id,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	Mode       domain.HoldMode `json:"mode,omitempty"`
	// Amount requests a specific redeem amount or earn override; 0 means
	// "whatever the recomputed quote allows".
	Amount        int64  `json:"amount,omitempty"`
	OrderTotal    int64  `json:"order_total"`
	EligibleTotal int64  `json:"eligible_total,omitempty"`
	// Mechanic labels a bonus accrual (registration_bonus, birthday:*, ...);
	// empty for purchase earns. Gift-point expiry keys off this label.
	Mechanic string `json:"mechanic,omitempty"`
	OutletID string `json:"outlet_id,omitempty"`
	StaffID  string `json:"staff_id,omitempty"`
}

type CommitResult struct {
	OK            bool   `json:"ok"`
	CustomerID    string `json:"customer_id"`
	OrderID       string `json:"order_id"`
	RedeemApplied int64  `json:"redeem_applied"`
	EarnApplied   int64  `json:"earn_applied"`
	Balance       int64  `json:"balance"`
	RedeemTxnID   string `json:"redeem_txn_id,omitempty"`
	EarnTxnID     string `json:"earn_txn_id,omitempty"`
}

func (r CommitRequest) validate() error {
	if r.OrderID == "" {
		return fmt.Errorf("%w: orderId required", domain.ErrValidation)
	}
	if r.HoldID == "" {
		if r.MerchantID == "" || r.CustomerID == "" {
			return fmt.Errorf("%w: merchantId and customerId required without a hold", domain.ErrValidation)
		}
		if r.Mode != domain.HoldModeEarn {
			return fmt.Errorf("%w: only earn commits may run without a hold", domain.ErrValidation)
		}
	}
	if r.Amount < 0 || r.OrderTotal < 0 || r.EligibleTotal < 0 {
		return fmt.Errorf("%w: amounts must not be negative", domain.ErrValidation)
	}
	if r.EligibleTotal > r.OrderTotal {
		return fmt.Errorf("%w: eligible total exceeds order total", domain.ErrValidation)
	}
	return nil
}

// Commit applies the atomic mutation. With an idempotency key, retries with
// the identical payload replay the stored result; a mismatched payload is a
// client error requiring a new key.
func (p *Processor) Commit(ctx context.Context, req CommitRequest, idemKey, reqHash string) (json.RawMessage, error) {
	if err := req.validate(); err != nil {
		commitsTotal.WithLabelValues("validation_error").Inc()
		return nil, err
	}

	var h *domain.Hold
	merchantID, customerID, mode := req.MerchantID, req.CustomerID, req.Mode
	if req.HoldID != "" {
		var err error
		h, err = p.holdByID(ctx, req.HoldID)
		if err != nil {
			commitsTotal.WithLabelValues("hold_error").Inc()
			return nil, err
		}
		merchantID, customerID, mode = h.MerchantID, h.CustomerID, h.Mode
	}

	settings, merchantRules, err := p.store.GetSettings(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if settings.LedgerHalted {
		commitsTotal.WithLabelValues("ledger_halted").Inc()
		return nil, domain.ErrLedgerHalted
	}

	// Guards run before the transaction opens; a denial performs no mutation.
	if p.guards != nil {
		if err := p.guards.Authorize(ctx, guard.Operation{
			MerchantID: merchantID,
			CustomerID: customerID,
			Kind:       "commit",
			Amount:     req.Amount,
			OrderID:    req.OrderID,
		}); err != nil {
			commitsTotal.WithLabelValues("guard_rejected").Inc()
			return nil, err
		}
	}

	if _, err := p.store.EnsureWallet(ctx, merchantID, customerID); err != nil {
		return nil, err
	}
	usage, err := p.loadUsage(ctx, merchantID, customerID)
	if err != nil {
		return nil, err
	}

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if idemKey != "" {
		stored, err := checkIdempotency(ctx, tx, idemKey, scopeCommit, reqHash)
		if err != nil {
			commitsTotal.WithLabelValues("idempotency_error").Inc()
			return nil, err
		}
		if stored != nil {
			commitsTotal.WithLabelValues("replay").Inc()
			return stored, nil
		}
		stored, err = reserveIdempotency(ctx, tx, idemKey, scopeCommit, reqHash, p.IdemTTL)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			commitsTotal.WithLabelValues("replay").Inc()
			return stored, nil
		}
	}

	// Row-level lock: serializes every concurrent mutation of this balance.
	w, err := p.store.GetWalletForUpdate(ctx, tx, merchantID, customerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if h != nil {
		if err := hold.Claim(ctx, tx, h.ID, req.OrderID, now); err != nil {
			commitsTotal.WithLabelValues("hold_race_lost").Inc()
			return nil, err
		}
	}

	result := CommitResult{OK: true, CustomerID: customerID, OrderID: req.OrderID}

	// Re-check the quote basis under the lock to close the race window between
	// quote and commit.
	if mode == domain.HoldModeRedeem {
		redeemQuote := quote.Compute(quote.Request{
			MerchantID: merchantID,
			CustomerID: customerID,
			Mode:       domain.HoldModeRedeem,
			OrderTotal: req.OrderTotal,
			Channel:    quote.ChannelPOS,
		}, merchantRules, w.Balance, usage, now)

		amount := req.Amount
		if amount == 0 && h != nil {
			amount = h.Amount
		}
		if amount == 0 {
			amount = redeemQuote.MaxRedeemable
		}
		if amount > redeemQuote.MaxRedeemable {
			if amount > w.Balance {
				commitsTotal.WithLabelValues("insufficient_balance").Inc()
				return nil, domain.ErrInsufficientBalance
			}
			commitsTotal.WithLabelValues("over_quote").Inc()
			return nil, fmt.Errorf("%w: requested %d exceeds redeemable %d",
				domain.ErrValidation, amount, redeemQuote.MaxRedeemable)
		}
		if amount > 0 {
			if err := applyDelta(ctx, tx, w, -amount); err != nil {
				commitsTotal.WithLabelValues("insufficient_balance").Inc()
				return nil, err
			}
			t := &domain.Transaction{
				ID:         uuid.NewString(),
				MerchantID: merchantID,
				CustomerID: customerID,
				Type:       domain.TxnRedeem,
				Amount:     -amount,
				OrderID:    req.OrderID,
				OutletID:   req.OutletID,
				StaffID:    req.StaffID,
			}
			if err := insertTransaction(ctx, tx, t); err != nil {
				return nil, err
			}
			if err := p.ledger.Append(ctx, tx, ledger.RedeemEntry(merchantID, customerID, t.ID, req.OrderID, amount)); err != nil {
				if errors.Is(err, domain.ErrLedgerImbalance) {
					p.haltLedger(ctx, merchantID, err)
				}
				return nil, err
			}
			result.RedeemApplied = amount
			result.RedeemTxnID = t.ID
		}
	}

	earnAllowed := mode == domain.HoldModeEarn ||
		(merchantRules.AllowEarnRedeemSameOrder && req.OrderTotal > 0)
	if earnAllowed {
		// Points accrue on what the customer actually pays.
		eligible := req.EligibleTotal
		if eligible == 0 {
			eligible = req.OrderTotal
		}
		eligible -= result.RedeemApplied
		if eligible < 0 {
			eligible = 0
		}
		earnQuote := quote.Compute(quote.Request{
			MerchantID:    merchantID,
			CustomerID:    customerID,
			Mode:          domain.HoldModeEarn,
			OrderTotal:    req.OrderTotal - result.RedeemApplied,
			EligibleTotal: eligible,
			Channel:       quote.ChannelPOS,
		}, merchantRules, w.Balance, usage, now)

		points := earnQuote.PointsToEarn
		if mode == domain.HoldModeEarn {
			requested := req.Amount
			if requested == 0 && h != nil {
				requested = h.Amount
			}
			if requested > 0 {
				if requested > points {
					commitsTotal.WithLabelValues("over_quote").Inc()
					return nil, fmt.Errorf("%w: requested %d exceeds earnable %d",
						domain.ErrValidation, requested, points)
				}
				points = requested
			}
		}
		if points > 0 {
			if err := applyDelta(ctx, tx, w, points); err != nil {
				return nil, err
			}
			t := &domain.Transaction{
				ID:         uuid.NewString(),
				MerchantID: merchantID,
				CustomerID: customerID,
				Type:       domain.TxnEarn,
				Amount:     points,
				OrderID:    req.OrderID,
				Mechanic:   req.Mechanic,
				OutletID:   req.OutletID,
				StaffID:    req.StaffID,
			}
			if err := insertTransaction(ctx, tx, t); err != nil {
				return nil, err
			}
			if err := p.ledger.Append(ctx, tx, ledger.EarnEntry(merchantID, customerID, t.ID, req.OrderID, points)); err != nil {
				if errors.Is(err, domain.ErrLedgerImbalance) {
					p.haltLedger(ctx, merchantID, err)
				}
				return nil, err
			}
			result.EarnApplied = points
			result.EarnTxnID = t.ID
		}
	}

	if result.RedeemApplied == 0 && result.EarnApplied == 0 {
		commitsTotal.WithLabelValues("empty").Inc()
		return nil, fmt.Errorf("%w: nothing to commit for order %s", domain.ErrValidation, req.OrderID)
	}
	result.Balance = w.Balance

	if err := enqueueEvent(ctx, tx, merchantID, "loyalty.commit", map[string]any{
		"merchantId":    merchantID,
		"customerId":    customerID,
		"orderId":       req.OrderID,
		"redeemApplied": result.RedeemApplied,
		"earnApplied":   result.EarnApplied,
		"balance":       result.Balance,
		"committedAt":   now.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		if body, err = finalizeIdempotency(ctx, tx, idemKey, scopeCommit, result); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	commitsTotal.WithLabelValues("ok").Inc()
	return body, nil
}

func (p *Processor) holdByID(ctx context.Context, id string) (*domain.Hold, error) {
	var h domain.Hold
	err := p.store.Pool.QueryRow(ctx,
		`SELECT id, merchant_id, customer_id, mode, amount, status, expires_at
		 FROM holds WHERE id = $1`, id).
		Scan(&h.ID, &h.MerchantID, &h.CustomerID, &h.Mode, &h.Amount, &h.Status, &h.ExpiresAt)
	if err != nil {
		return nil, domain.ErrHoldNotFound
	}
	return &h, nil
}

func (p *Processor) loadUsage(ctx context.Context, merchantID, customerID string) (quote.Usage, error) {
	since := time.Now().Add(-24 * time.Hour)
	var u quote.Usage
	var err error
	if u.DailyEarnUsed, err = p.store.MovedSince(ctx, merchantID, customerID, domain.TxnEarn, since); err != nil {
		return u, err
	}
	if u.DailyRedeemUsed, err = p.store.MovedSince(ctx, merchantID, customerID, domain.TxnRedeem, since); err != nil {
		return u, err
	}
	if u.LastEarnAt, err = p.store.LastTxnAt(ctx, merchantID, customerID, domain.TxnEarn); err != nil {
		return u, err
	}
	if u.LastRedeemAt, err = p.store.LastTxnAt(ctx, merchantID, customerID, domain.TxnRedeem); err != nil {
		return u, err
	}
	return u, nil
}
