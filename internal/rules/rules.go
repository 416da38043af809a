// Package rules parses per-merchant loyalty rule configuration from its JSON
// column into a typed, validated structure. Unknown keys and out-of-range
// values are rejected at load time, not at use time.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Rules is the enumerated set of recognized merchant options. Zero values mean
// "no limit" except where a default applies (see ApplyDefaults).
type Rules struct {
	// EarnBps is the accrual rate in basis points of the eligible order total.
	EarnBps int64 `json:"earnBps"`
	// RedeemLimitBps caps redemption at this share of the order total.
	RedeemLimitBps int64 `json:"redeemLimitBps"`
	// DailyEarnCap / DailyRedeemCap bound points moved per customer per 24h. 0 = unlimited.
	DailyEarnCap   int64 `json:"dailyEarnCap"`
	DailyRedeemCap int64 `json:"dailyRedeemCap"`
	// EarnCooldownSec / RedeemCooldownSec are minimum gaps between operations. 0 = none.
	EarnCooldownSec   int64 `json:"earnCooldownSec"`
	RedeemCooldownSec int64 `json:"redeemCooldownSec"`
	// MinPayment is the cash amount that must remain payable after redemption.
	MinPayment int64 `json:"minPayment"`
	// PointsTTLDays expires purchase-earned points after this many days. 0 = never.
	PointsTTLDays int64 `json:"pointsTtlDays"`
	// GiftTTLDays expires bonus-mechanic points (registration, birthday,
	// complimentary) after this many days. 0 = never.
	GiftTTLDays int64 `json:"giftTtlDays"`
	// AllowEarnRedeemSameOrder permits both legs on a single receipt.
	AllowEarnRedeemSameOrder bool `json:"allowEarnRedeemSameOrder"`
}

const (
	DefaultEarnBps        = 500  // 5%
	DefaultRedeemLimitBps = 5000 // 50%
	maxBps                = 10000
)

// Parse decodes a merchant rules_json document. An empty document yields the
// defaults. Unknown keys are an error.
func Parse(raw []byte) (Rules, error) {
	var r Rules
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		r.ApplyDefaults()
		return r, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Rules{}, fmt.Errorf("rules: %w", err)
	}
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

// ApplyDefaults fills rates that the merchant left unset.
func (r *Rules) ApplyDefaults() {
	if r.EarnBps == 0 {
		r.EarnBps = DefaultEarnBps
	}
	if r.RedeemLimitBps == 0 {
		r.RedeemLimitBps = DefaultRedeemLimitBps
	}
}

// Validate rejects values the engine cannot honor.
func (r Rules) Validate() error {
	if r.EarnBps < 0 || r.EarnBps > maxBps {
		return fmt.Errorf("rules: earnBps %d out of range [0,%d]", r.EarnBps, maxBps)
	}
	if r.RedeemLimitBps < 0 || r.RedeemLimitBps > maxBps {
		return fmt.Errorf("rules: redeemLimitBps %d out of range [0,%d]", r.RedeemLimitBps, maxBps)
	}
	for name, v := range map[string]int64{
		"dailyEarnCap":      r.DailyEarnCap,
		"dailyRedeemCap":    r.DailyRedeemCap,
		"earnCooldownSec":   r.EarnCooldownSec,
		"redeemCooldownSec": r.RedeemCooldownSec,
		"minPayment":        r.MinPayment,
		"pointsTtlDays":     r.PointsTTLDays,
		"giftTtlDays":       r.GiftTTLDays,
	} {
		if v < 0 {
			return fmt.Errorf("rules: %s must not be negative", name)
		}
	}
	return nil
}

// EarnPoints computes the accrual for an eligible amount.
func (r Rules) EarnPoints(eligible int64) int64 {
	if eligible <= 0 {
		return 0
	}
	return eligible * r.EarnBps / 10000
}

// RedeemLimit computes the by-order redemption ceiling for a total.
func (r Rules) RedeemLimit(total int64) int64 {
	if total <= 0 {
		return 0
	}
	return total * r.RedeemLimitBps / 10000
}
