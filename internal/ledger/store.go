// Package ledger is the double-entry bookkeeping primitive. Every write is
// validated for balance (debit != credit, amount > 0) and happens inside the
// caller's transaction, so entries never exist without the Transaction row
// they explain.
package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

type Store struct {
	db *pgxpool.Pool
	// Enabled gates ledger writes behind the feature flag; when off, Append is a no-op.
	Enabled bool
}

func NewStore(db *pgxpool.Pool, enabled bool) *Store {
	return &Store{db: db, Enabled: enabled}
}

// Validate checks the double-entry invariants without touching storage.
func Validate(e domain.LedgerEntry) error {
	if e.Amount <= 0 {
		return fmt.Errorf("%w: amount %d must be positive", domain.ErrLedgerImbalance, e.Amount)
	}
	if e.Debit == e.Credit {
		return fmt.Errorf("%w: debit and credit are both %s", domain.ErrLedgerImbalance, e.Debit)
	}
	if e.Debit == "" || e.Credit == "" {
		return fmt.Errorf("%w: missing account", domain.ErrLedgerImbalance)
	}
	return nil
}

// Append writes one validated entry on the caller's transaction handle.
// A validation failure is fatal for the operation and must roll it back.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) error {
	if !s.Enabled {
		return nil
	}
	if err := Validate(e); err != nil {
		return err
	}
	var meta any
	if len(e.Meta) > 0 {
		meta = []byte(e.Meta)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (merchant_id, customer_id, debit, credit, amount, transaction_id, order_id, meta)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		e.MerchantID, e.CustomerID, e.Debit, e.Credit, e.Amount, e.TransactionID, e.OrderID, meta)
	if err != nil {
		return fmt.Errorf("ledger entry insert failed: %w", err)
	}
	return nil
}

// CustomerBalance computes credits minus debits on CUSTOMER_BALANCE for one
// customer. At any quiescent point it must equal the wallet balance; the
// TTL-reconciliation report consumes this, but the invariant is owned here.
func (s *Store) CustomerBalance(ctx context.Context, merchantID, customerID string) (int64, error) {
	var credits, debits int64
	err := s.db.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(amount) FILTER (WHERE credit = $3), 0),
		   COALESCE(SUM(amount) FILTER (WHERE debit = $3), 0)
		 FROM ledger_entries WHERE merchant_id = $1 AND customer_id = $2`,
		merchantID, customerID, domain.AccountCustomerBalance).Scan(&credits, &debits)
	if err != nil {
		return 0, fmt.Errorf("reconciliation query failed: %w", err)
	}
	return credits - debits, nil
}

// Reconcile compares the ledger-derived balance with the wallet row and
// returns ErrLedgerImbalance on divergence. Never corrects silently.
func (s *Store) Reconcile(ctx context.Context, merchantID, customerID string, walletBalance int64) error {
	derived, err := s.CustomerBalance(ctx, merchantID, customerID)
	if err != nil {
		return err
	}
	if derived != walletBalance {
		return fmt.Errorf("%w: ledger says %d, wallet says %d for customer %s",
			domain.ErrLedgerImbalance, derived, walletBalance, customerID)
	}
	return nil
}

// EarnEntry builds the balanced pair for an accrual: the merchant's liability
// grows, the customer's balance is credited.
func EarnEntry(merchantID, customerID, txnID, orderID string, amount int64) domain.LedgerEntry {
	return domain.LedgerEntry{
		MerchantID:    merchantID,
		CustomerID:    customerID,
		Debit:         domain.AccountMerchantLiability,
		Credit:        domain.AccountCustomerBalance,
		Amount:        amount,
		TransactionID: txnID,
		OrderID:       orderID,
	}
}

// RedeemEntry builds the inverse pair for redeems, burns, and earn reversals.
func RedeemEntry(merchantID, customerID, txnID, orderID string, amount int64) domain.LedgerEntry {
	return domain.LedgerEntry{
		MerchantID:    merchantID,
		CustomerID:    customerID,
		Debit:         domain.AccountCustomerBalance,
		Credit:        domain.AccountMerchantLiability,
		Amount:        amount,
		TransactionID: txnID,
		OrderID:       orderID,
	}
}
