package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/guard"
	"github.com/loyaltyops/pointsledger/internal/ledger"
)

// RefundRequest reverses part or all of a prior committed transaction.
type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	OutletID      string `json:"outlet_id,omitempty"`
	StaffID       string `json:"staff_id,omitempty"`
}

type RefundResult struct {
	OK              bool   `json:"ok"`
	CustomerID      string `json:"customer_id"`
	RefundTxnID     string `json:"refund_txn_id"`
	Amount          int64  `json:"amount"`
	AlreadyRefunded int64  `json:"already_refunded"`
	Balance         int64  `json:"balance"`
}

// Refund applies the inverse balance delta of the original transaction under
// the same idempotency discipline as Commit. The cumulative refunded amount
// can never exceed the original.
func (p *Processor) Refund(ctx context.Context, req RefundRequest, idemKey, reqHash string) (json.RawMessage, error) {
	if req.TransactionID == "" {
		refundsTotal.WithLabelValues("validation_error").Inc()
		return nil, fmt.Errorf("%w: transactionId required", domain.ErrValidation)
	}
	if req.Amount <= 0 {
		refundsTotal.WithLabelValues("validation_error").Inc()
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	orig, err := p.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		refundsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}
	if orig.Type != domain.TxnEarn && orig.Type != domain.TxnRedeem {
		refundsTotal.WithLabelValues("validation_error").Inc()
		return nil, fmt.Errorf("%w: transactions of type %s are not refundable", domain.ErrValidation, orig.Type)
	}

	settings, _, err := p.store.GetSettings(ctx, orig.MerchantID)
	if err != nil {
		return nil, err
	}
	if settings.LedgerHalted {
		refundsTotal.WithLabelValues("ledger_halted").Inc()
		return nil, domain.ErrLedgerHalted
	}

	if p.guards != nil {
		if err := p.guards.Authorize(ctx, guard.Operation{
			MerchantID: orig.MerchantID,
			CustomerID: orig.CustomerID,
			Kind:       "refund",
			Amount:     req.Amount,
			OrderID:    orig.OrderID,
		}); err != nil {
			refundsTotal.WithLabelValues("guard_rejected").Inc()
			return nil, err
		}
	}

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if idemKey != "" {
		stored, err := checkIdempotency(ctx, tx, idemKey, scopeRefund, reqHash)
		if err != nil {
			refundsTotal.WithLabelValues("idempotency_error").Inc()
			return nil, err
		}
		if stored != nil {
			refundsTotal.WithLabelValues("replay").Inc()
			return stored, nil
		}
		stored, err = reserveIdempotency(ctx, tx, idemKey, scopeRefund, reqHash, p.IdemTTL)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			refundsTotal.WithLabelValues("replay").Inc()
			return stored, nil
		}
	}

	w, err := p.store.GetWalletForUpdate(ctx, tx, orig.MerchantID, orig.CustomerID)
	if err != nil {
		return nil, err
	}

	// The lock above serializes refunds of one customer's transactions, so the
	// sum below cannot be raced past the original amount.
	alreadyRefunded, err := refundedSoFar(ctx, tx, orig.ID)
	if err != nil {
		return nil, err
	}
	origAmount := abs64(orig.Amount)
	if req.Amount+alreadyRefunded > origAmount {
		refundsTotal.WithLabelValues("exceeds_original").Inc()
		return nil, fmt.Errorf("%w: %d + %d already refunded > original %d",
			domain.ErrRefundExceedsOriginal, req.Amount, alreadyRefunded, origAmount)
	}

	// Inverse of the original: refunding an earn takes points back, refunding
	// a redeem restores them.
	delta := req.Amount
	if orig.Amount > 0 {
		delta = -req.Amount
	}
	if err := applyDelta(ctx, tx, w, delta); err != nil {
		refundsTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, err
	}

	t := &domain.Transaction{
		ID:         uuid.NewString(),
		MerchantID: orig.MerchantID,
		CustomerID: orig.CustomerID,
		Type:       domain.TxnRefund,
		Amount:     delta,
		OrderID:    orig.OrderID,
		RefundOf:   orig.ID,
		OutletID:   req.OutletID,
		StaffID:    req.StaffID,
	}
	if err := insertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}

	// Reversing entry: mirror of the original transaction's entry.
	entry := ledger.EarnEntry(orig.MerchantID, orig.CustomerID, t.ID, orig.OrderID, req.Amount)
	if orig.Amount > 0 {
		entry = ledger.RedeemEntry(orig.MerchantID, orig.CustomerID, t.ID, orig.OrderID, req.Amount)
	}
	if err := p.ledger.Append(ctx, tx, entry); err != nil {
		if errors.Is(err, domain.ErrLedgerImbalance) {
			p.haltLedger(ctx, orig.MerchantID, err)
		}
		return nil, err
	}

	result := RefundResult{
		OK:              true,
		CustomerID:      orig.CustomerID,
		RefundTxnID:     t.ID,
		Amount:          req.Amount,
		AlreadyRefunded: alreadyRefunded + req.Amount,
		Balance:         w.Balance,
	}

	if err := enqueueEvent(ctx, tx, orig.MerchantID, "loyalty.refund", map[string]any{
		"merchantId": orig.MerchantID,
		"customerId": orig.CustomerID,
		"orderId":    orig.OrderID,
		"refundOf":   orig.ID,
		"amount":     req.Amount,
		"balance":    w.Balance,
		"refundedAt": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		if body, err = finalizeIdempotency(ctx, tx, idemKey, scopeRefund, result); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	refundsTotal.WithLabelValues("ok").Inc()
	return body, nil
}

func refundedSoFar(ctx context.Context, tx pgx.Tx, originalID string) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(ABS(amount)), 0) FROM transactions WHERE refund_of = $1",
		originalID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("refund sum query failed: %w", err)
	}
	return sum, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
