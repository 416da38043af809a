package domain

import (
	"encoding/json"
	"time"
)

type WalletType string

const WalletPoints WalletType = "POINTS"

// Wallet holds a customer's point balance at one merchant. One row per
// (merchant, customer, type); mutated only inside commit/refund/burn transactions.
type Wallet struct {
	ID         string     `json:"id"`
	MerchantID string     `json:"merchant_id"`
	CustomerID string     `json:"customer_id"`
	Type       WalletType `json:"type"`
	Balance    int64      `json:"balance"`
	CreatedAt  time.Time  `json:"created_at"`
}

type HoldMode string

const (
	HoldModeEarn   HoldMode = "EARN"
	HoldModeRedeem HoldMode = "REDEEM"
)

type HoldStatus string

const (
	HoldActive    HoldStatus = "ACTIVE"
	HoldCommitted HoldStatus = "COMMITTED"
	HoldCanceled  HoldStatus = "CANCELED"
	HoldExpired   HoldStatus = "EXPIRED"
)

// Terminal reports whether a hold status admits no further transitions.
func (s HoldStatus) Terminal() bool {
	return s == HoldCommitted || s == HoldCanceled || s == HoldExpired
}

// Hold is a time-boxed reservation of a pending earn/redeem operation,
// identified by an opaque QR token. Never reused once terminal.
type Hold struct {
	ID         string     `json:"id"`
	MerchantID string     `json:"merchant_id"`
	CustomerID string     `json:"customer_id"`
	Mode       HoldMode   `json:"mode"`
	Amount     int64      `json:"amount"`
	OrderID    string     `json:"order_id,omitempty"`
	OutletID   string     `json:"outlet_id,omitempty"`
	StaffID    string     `json:"staff_id,omitempty"`
	Token      string     `json:"token"`
	Status     HoldStatus `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

type TxnType string

const (
	TxnEarn     TxnType = "EARN"
	TxnRedeem   TxnType = "REDEEM"
	TxnRefund   TxnType = "REFUND"
	TxnReferral TxnType = "REFERRAL"
	TxnBurn     TxnType = "BURN"
)

// Transaction is the append-only record of a balance change. Amounts are signed
// by type convention: EARN/REFERRAL positive, REDEEM/BURN negative, REFUND the
// inverse of the transaction it reverses. The sum of a customer's amounts
// equals the wallet balance at any quiescent point.
type Transaction struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	CustomerID string    `json:"customer_id"`
	Type       TxnType   `json:"type"`
	Amount     int64     `json:"amount"`
	OrderID    string    `json:"order_id,omitempty"`
	RefundOf   string    `json:"refund_of,omitempty"`
	// Mechanic labels non-purchase accruals (registration bonus, birthday
	// gifts, auto-returns); empty for plain purchase earns.
	Mechanic  string    `json:"mechanic,omitempty"`
	Burned    int64     `json:"burned,omitempty"`
	OutletID  string    `json:"outlet_id,omitempty"`
	StaffID   string    `json:"staff_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Account string

const (
	AccountMerchantLiability Account = "MERCHANT_LIABILITY"
	AccountCustomerBalance   Account = "CUSTOMER_BALANCE"
)

// LedgerEntry is one double-entry record explaining a balance change.
// Written in the same transaction as the Transaction row it explains.
type LedgerEntry struct {
	ID            int64           `json:"id"`
	MerchantID    string          `json:"merchant_id"`
	CustomerID    string          `json:"customer_id"`
	Debit         Account         `json:"debit"`
	Credit        Account         `json:"credit"`
	Amount        int64           `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type IdempotencyStatus string

const (
	IdemPending IdempotencyStatus = "PENDING"
	IdemDone    IdempotencyStatus = "DONE"
)

// IdempotencyRecord guarantees at-most-one effective mutation per logical
// request. Unique on (key, scope).
type IdempotencyRecord struct {
	Key          string            `json:"key"`
	Scope        string            `json:"scope"`
	RequestHash  string            `json:"request_hash"`
	Status       IdempotencyStatus `json:"status"`
	ResponseBody json.RawMessage   `json:"response_body,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	CreatedAt    time.Time         `json:"created_at"`
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSending OutboxStatus = "SENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
	OutboxDead    OutboxStatus = "DEAD"
	OutboxPaused  OutboxStatus = "PAUSED"
)

// OutboxEvent couples a ledger mutation with the durable record of the event
// to deliver externally. Created in the same transaction as the mutation.
type OutboxEvent struct {
	ID          string          `json:"id"`
	MerchantID  string          `json:"merchant_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Retries     int             `json:"retries"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MerchantSettings carries the per-merchant configuration the engine reads:
// loyalty rules, webhook endpoint credentials, and operational flags.
type MerchantSettings struct {
	MerchantID         string          `json:"merchant_id"`
	RulesJSON          json.RawMessage `json:"rules_json"`
	WebhookURL         string          `json:"webhook_url"`
	WebhookSecret      string          `json:"-"`
	WebhookKeyID       string          `json:"webhook_key_id,omitempty"`
	SubscriptionActive bool            `json:"subscription_active"`
	LedgerHalted       bool            `json:"ledger_halted"`
	OutboxPausedUntil  *time.Time      `json:"outbox_paused_until,omitempty"`
}
