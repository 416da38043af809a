// Package quote computes eligible earn/redeem amounts from the current wallet
// state and merchant rules. Read-only: a quote never mutates anything and is
// always safe to retry. The commit processor re-runs the same computation
// under the wallet lock to close the quote-to-commit race window.
package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/rules"
	"github.com/loyaltyops/pointsledger/internal/store"
)

// Channels the engine recognizes. Anything else is a validation error.
const (
	ChannelPOS     = "POS"
	ChannelMiniapp = "MINIAPP"
	ChannelAPI     = "API"
)

type Request struct {
	MerchantID string          `json:"merchant_id"`
	CustomerID string          `json:"customer_id"`
	Mode       domain.HoldMode `json:"mode"`
	OrderTotal int64           `json:"order_total"`
	// EligibleTotal is the share of the order accruing points; defaults to OrderTotal.
	EligibleTotal int64  `json:"eligible_total,omitempty"`
	Channel       string `json:"channel"`
	Category      string `json:"category,omitempty"`
	Weekday       int    `json:"weekday,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	// RedeemAmount optionally caps the redemption below the computed maximum.
	RedeemAmount int64 `json:"redeem_amount,omitempty"`
}

// Basis snapshots the rule numbers a quote was computed from, so commit can
// be validated against the same figures.
type Basis struct {
	EarnBps         int64 `json:"earn_bps"`
	RedeemLimitBps  int64 `json:"redeem_limit_bps"`
	DailyEarnCap    int64 `json:"daily_earn_cap,omitempty"`
	DailyRedeemCap  int64 `json:"daily_redeem_cap,omitempty"`
	MinPayment      int64 `json:"min_payment,omitempty"`
	Balance         int64 `json:"balance"`
	DailyEarnUsed   int64 `json:"daily_earn_used,omitempty"`
	DailyRedeemUsed int64 `json:"daily_redeem_used,omitempty"`
}

type Result struct {
	Mode          domain.HoldMode `json:"mode"`
	CanEarn       bool            `json:"can_earn,omitempty"`
	CanRedeem     bool            `json:"can_redeem,omitempty"`
	PointsToEarn  int64           `json:"points_to_earn,omitempty"`
	MaxRedeemable int64           `json:"max_redeemable,omitempty"`
	FinalPayable  int64           `json:"final_payable"`
	Reason        string          `json:"reason,omitempty"`
	Basis         Basis           `json:"basis"`
}

// Usage is the per-customer activity a quote weighs against caps and cooldowns.
type Usage struct {
	DailyEarnUsed   int64
	DailyRedeemUsed int64
	LastEarnAt      time.Time
	LastRedeemAt    time.Time
}

// Reader is the read-only slice of the store the engine needs. Mutation is
// deliberately absent: a quote must leave no trace.
type Reader interface {
	GetSettings(ctx context.Context, merchantID string) (*domain.MerchantSettings, rules.Rules, error)
	GetWallet(ctx context.Context, merchantID, customerID string) (*domain.Wallet, error)
	MovedSince(ctx context.Context, merchantID, customerID string, typ domain.TxnType, since time.Time) (int64, error)
	LastTxnAt(ctx context.Context, merchantID, customerID string, typ domain.TxnType) (time.Time, error)
}

var _ Reader = (*store.Store)(nil)

type Engine struct {
	store Reader
}

func NewEngine(s Reader) *Engine {
	return &Engine{store: s}
}

func validate(req Request) error {
	if req.MerchantID == "" || req.CustomerID == "" {
		return fmt.Errorf("%w: merchantId and customerId required", domain.ErrValidation)
	}
	if req.Mode != domain.HoldModeEarn && req.Mode != domain.HoldModeRedeem {
		return fmt.Errorf("%w: unknown mode %q", domain.ErrValidation, req.Mode)
	}
	switch req.Channel {
	case ChannelPOS, ChannelMiniapp, ChannelAPI:
	default:
		return fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, req.Channel)
	}
	if req.OrderTotal < 0 || req.EligibleTotal < 0 || req.RedeemAmount < 0 {
		return fmt.Errorf("%w: amounts must not be negative", domain.ErrValidation)
	}
	if req.EligibleTotal > req.OrderTotal {
		return fmt.Errorf("%w: eligible total exceeds order total", domain.ErrValidation)
	}
	if req.Weekday < 0 || req.Weekday > 6 {
		return fmt.Errorf("%w: weekday out of range", domain.ErrValidation)
	}
	return nil
}

// Quote runs the read-only computation against live state.
func (e *Engine) Quote(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	_, r, err := e.store.GetSettings(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}
	// A customer without a wallet yet simply quotes against a zero balance;
	// the wallet row is created on commit, not here.
	var balance int64
	w, err := e.store.GetWallet(ctx, req.MerchantID, req.CustomerID)
	switch {
	case err == nil:
		balance = w.Balance
	case errors.Is(err, domain.ErrWalletNotFound):
	default:
		return nil, err
	}
	usage, err := e.loadUsage(ctx, req.MerchantID, req.CustomerID)
	if err != nil {
		return nil, err
	}
	res := Compute(req, r, balance, usage, time.Now())
	return &res, nil
}

func (e *Engine) loadUsage(ctx context.Context, merchantID, customerID string) (Usage, error) {
	since := time.Now().Add(-24 * time.Hour)
	var u Usage
	var err error
	if u.DailyEarnUsed, err = e.store.MovedSince(ctx, merchantID, customerID, domain.TxnEarn, since); err != nil {
		return u, err
	}
	if u.DailyRedeemUsed, err = e.store.MovedSince(ctx, merchantID, customerID, domain.TxnRedeem, since); err != nil {
		return u, err
	}
	if u.LastEarnAt, err = e.store.LastTxnAt(ctx, merchantID, customerID, domain.TxnEarn); err != nil {
		return u, err
	}
	if u.LastRedeemAt, err = e.store.LastTxnAt(ctx, merchantID, customerID, domain.TxnRedeem); err != nil {
		return u, err
	}
	return u, nil
}

// Compute is the pure quote calculation. Exported so the commit processor can
// re-check the same numbers under the wallet lock.
func Compute(req Request, r rules.Rules, balance int64, usage Usage, now time.Time) Result {
	basis := Basis{
		EarnBps:         r.EarnBps,
		RedeemLimitBps:  r.RedeemLimitBps,
		DailyEarnCap:    r.DailyEarnCap,
		DailyRedeemCap:  r.DailyRedeemCap,
		MinPayment:      r.MinPayment,
		Balance:         balance,
		DailyEarnUsed:   usage.DailyEarnUsed,
		DailyRedeemUsed: usage.DailyRedeemUsed,
	}
	if req.Mode == domain.HoldModeRedeem {
		return computeRedeem(req, r, balance, usage, now, basis)
	}
	return computeEarn(req, r, usage, now, basis)
}

func computeRedeem(req Request, r rules.Rules, balance int64, usage Usage, now time.Time, basis Basis) Result {
	res := Result{Mode: domain.HoldModeRedeem, FinalPayable: req.OrderTotal, Basis: basis}

	if wait := cooldownLeft(usage.LastRedeemAt, r.RedeemCooldownSec, now); wait > 0 {
		res.Reason = fmt.Sprintf("redeem cooldown: wait %ds", wait)
		return res
	}

	max := min64(balance, r.RedeemLimit(req.OrderTotal))
	if r.DailyRedeemCap > 0 {
		left := r.DailyRedeemCap - usage.DailyRedeemUsed
		if left <= 0 {
			res.Reason = "daily redeem cap exhausted"
			return res
		}
		max = min64(max, left)
	}
	if r.MinPayment > 0 {
		max = min64(max, req.OrderTotal-r.MinPayment)
	}
	if req.RedeemAmount > 0 {
		max = min64(max, req.RedeemAmount)
	}
	if max <= 0 {
		res.Reason = "insufficient points to redeem"
		return res
	}
	res.CanRedeem = true
	res.MaxRedeemable = max
	res.FinalPayable = req.OrderTotal - max
	return res
}

func computeEarn(req Request, r rules.Rules, usage Usage, now time.Time, basis Basis) Result {
	res := Result{Mode: domain.HoldModeEarn, FinalPayable: req.OrderTotal, Basis: basis}

	if wait := cooldownLeft(usage.LastEarnAt, r.EarnCooldownSec, now); wait > 0 {
		res.Reason = fmt.Sprintf("earn cooldown: wait %ds", wait)
		return res
	}
	eligible := req.EligibleTotal
	if eligible == 0 {
		eligible = req.OrderTotal
	}
	if r.MinPayment > 0 && req.OrderTotal < r.MinPayment {
		res.Reason = "order total below minimum payment"
		return res
	}
	points := r.EarnPoints(eligible)
	if r.DailyEarnCap > 0 {
		left := r.DailyEarnCap - usage.DailyEarnUsed
		if left <= 0 {
			res.Reason = "daily earn cap exhausted"
			return res
		}
		points = min64(points, left)
	}
	if points <= 0 {
		res.Reason = "order total too small to earn"
		return res
	}
	res.CanEarn = true
	res.PointsToEarn = points
	return res
}

func cooldownLeft(last time.Time, cooldownSec int64, now time.Time) int64 {
	if cooldownSec <= 0 || last.IsZero() {
		return 0
	}
	elapsed := int64(now.Sub(last) / time.Second)
	if elapsed >= cooldownSec {
		return 0
	}
	return cooldownSec - elapsed
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
