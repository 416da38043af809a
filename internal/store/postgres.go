package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/rules"
)

// Store owns the connection pool and the read/lookup queries shared by the
// engine. Mutations that need atomicity live with their processors and run on
// a pgx.Tx handed out by BeginTx.
type Store struct {
	Pool *pgxpool.Pool
}

func New(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// BeginTx opens the unit of work every commit/refund/burn runs inside.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

const walletCols = "id, merchant_id, customer_id, type, balance, created_at"

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.MerchantID, &w.CustomerID, &w.Type, &w.Balance, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetWallet reads the points wallet for a customer at a merchant.
func (s *Store) GetWallet(ctx context.Context, merchantID, customerID string) (*domain.Wallet, error) {
	return scanWallet(s.Pool.QueryRow(ctx,
		"SELECT "+walletCols+" FROM wallets WHERE merchant_id = $1 AND customer_id = $2 AND type = $3",
		merchantID, customerID, domain.WalletPoints))
}

// GetWalletForUpdate acquires the row-level lock that serializes concurrent
// mutations of one balance. Must run on a transaction handle.
func (s *Store) GetWalletForUpdate(ctx context.Context, tx pgx.Tx, merchantID, customerID string) (*domain.Wallet, error) {
	return scanWallet(tx.QueryRow(ctx,
		"SELECT "+walletCols+" FROM wallets WHERE merchant_id = $1 AND customer_id = $2 AND type = $3 FOR UPDATE",
		merchantID, customerID, domain.WalletPoints))
}

// EnsureWallet creates the points wallet if it does not exist yet and returns it.
func (s *Store) EnsureWallet(ctx context.Context, merchantID, customerID string) (*domain.Wallet, error) {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO wallets (id, merchant_id, customer_id, type, balance)
		 VALUES ($1, $2, $3, $4, 0)
		 ON CONFLICT (merchant_id, customer_id, type) DO NOTHING`,
		uuid.NewString(), merchantID, customerID, domain.WalletPoints)
	if err != nil {
		return nil, fmt.Errorf("wallet upsert failed: %w", err)
	}
	return s.GetWallet(ctx, merchantID, customerID)
}

// GetSettings loads merchant settings together with parsed rules.
func (s *Store) GetSettings(ctx context.Context, merchantID string) (*domain.MerchantSettings, rules.Rules, error) {
	var m domain.MerchantSettings
	err := s.Pool.QueryRow(ctx,
		`SELECT merchant_id, rules_json, webhook_url, webhook_secret, webhook_key_id,
		        subscription_active, ledger_halted, outbox_paused_until
		 FROM merchant_settings WHERE merchant_id = $1`,
		merchantID,
	).Scan(&m.MerchantID, &m.RulesJSON, &m.WebhookURL, &m.WebhookSecret, &m.WebhookKeyID,
		&m.SubscriptionActive, &m.LedgerHalted, &m.OutboxPausedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Unknown merchants run on defaults; rows appear once an admin configures them.
			def, _ := rules.Parse(nil)
			return &domain.MerchantSettings{MerchantID: merchantID, SubscriptionActive: true}, def, nil
		}
		return nil, rules.Rules{}, fmt.Errorf("settings query failed: %w", err)
	}
	r, err := rules.Parse(m.RulesJSON)
	if err != nil {
		return nil, rules.Rules{}, err
	}
	return &m, r, nil
}

const txnCols = "id, merchant_id, customer_id, type, amount, COALESCE(order_id, ''), COALESCE(refund_of, ''), mechanic, burned, COALESCE(outlet_id, ''), COALESCE(staff_id, ''), created_at"

func scanTxn(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.MerchantID, &t.CustomerID, &t.Type, &t.Amount,
		&t.OrderID, &t.RefundOf, &t.Mechanic, &t.Burned, &t.OutletID, &t.StaffID, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetTransaction loads one transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTxn(s.Pool.QueryRow(ctx,
		"SELECT "+txnCols+" FROM transactions WHERE id = $1", id))
}

// ListTransactions returns a customer's most recent transactions.
func (s *Store) ListTransactions(ctx context.Context, merchantID, customerID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx,
		"SELECT "+txnCols+" FROM transactions WHERE merchant_id = $1 AND customer_id = $2 ORDER BY created_at DESC LIMIT $3",
		merchantID, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MovedSince sums the absolute points moved by transactions of a type since a
// cutoff. Used for daily cap accounting.
func (s *Store) MovedSince(ctx context.Context, merchantID, customerID string, typ domain.TxnType, since time.Time) (int64, error) {
	var sum int64
	err := s.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(ABS(amount)), 0) FROM transactions
		 WHERE merchant_id = $1 AND customer_id = $2 AND type = $3 AND created_at >= $4`,
		merchantID, customerID, typ, since).Scan(&sum)
	return sum, err
}

// LastTxnAt returns the creation time of the newest transaction of a type, or
// the zero time when none exists. Used for cooldown accounting.
func (s *Store) LastTxnAt(ctx context.Context, merchantID, customerID string, typ domain.TxnType) (time.Time, error) {
	var at time.Time
	err := s.Pool.QueryRow(ctx,
		`SELECT created_at FROM transactions
		 WHERE merchant_id = $1 AND customer_id = $2 AND type = $3
		 ORDER BY created_at DESC LIMIT 1`,
		merchantID, customerID, typ).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return at, err
}
