package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/rules"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func baseRules() rules.Rules {
	r := rules.Rules{EarnBps: 500, RedeemLimitBps: 5000}
	return r
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"missing merchant", Request{CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS}},
		{"missing customer", Request{MerchantID: "m1", Mode: domain.HoldModeEarn, Channel: ChannelPOS}},
		{"bad mode", Request{MerchantID: "m1", CustomerID: "c1", Mode: "TRANSFER", Channel: ChannelPOS}},
		{"bad channel", Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: "FAX"}},
		{"negative total", Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS, OrderTotal: -1}},
		{"eligible above total", Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS, OrderTotal: 100, EligibleTotal: 200}},
		{"weekday out of range", Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS, Weekday: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validate(tt.req); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestComputeRedeemLimit(t *testing.T) {
	// redeemLimitBps=5000 on a 1000 order caps redemption at 500.
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeRedeem, Channel: ChannelPOS, OrderTotal: 1000}
	res := Compute(req, baseRules(), 10000, Usage{}, now)

	if !res.CanRedeem {
		t.Fatalf("expected redeemable, reason=%q", res.Reason)
	}
	if res.MaxRedeemable != 500 {
		t.Errorf("MaxRedeemable: got %d, want 500", res.MaxRedeemable)
	}
	if res.FinalPayable != 500 {
		t.Errorf("FinalPayable: got %d, want 500", res.FinalPayable)
	}
}

func TestComputeRedeemBoundedByBalance(t *testing.T) {
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeRedeem, Channel: ChannelPOS, OrderTotal: 1000}
	res := Compute(req, baseRules(), 120, Usage{}, now)
	if res.MaxRedeemable != 120 {
		t.Errorf("MaxRedeemable: got %d, want 120 (wallet balance)", res.MaxRedeemable)
	}
}

func TestComputeRedeemDailyCap(t *testing.T) {
	r := baseRules()
	r.DailyRedeemCap = 300

	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeRedeem, Channel: ChannelPOS, OrderTotal: 1000}
	res := Compute(req, r, 10000, Usage{DailyRedeemUsed: 250}, now)
	if res.MaxRedeemable != 50 {
		t.Errorf("MaxRedeemable: got %d, want 50 (daily cap remainder)", res.MaxRedeemable)
	}

	res = Compute(req, r, 10000, Usage{DailyRedeemUsed: 300}, now)
	if res.CanRedeem {
		t.Errorf("expected cap exhausted, got MaxRedeemable=%d", res.MaxRedeemable)
	}
}

func TestComputeRedeemMinPayment(t *testing.T) {
	r := baseRules()
	r.MinPayment = 800
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeRedeem, Channel: ChannelPOS, OrderTotal: 1000}
	res := Compute(req, r, 10000, Usage{}, now)
	if res.MaxRedeemable != 200 {
		t.Errorf("MaxRedeemable: got %d, want 200 (total minus min payment)", res.MaxRedeemable)
	}
	if res.FinalPayable != 800 {
		t.Errorf("FinalPayable: got %d, want 800", res.FinalPayable)
	}
}

func TestComputeRedeemManualCap(t *testing.T) {
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeRedeem, Channel: ChannelPOS, OrderTotal: 1000, RedeemAmount: 100}
	res := Compute(req, baseRules(), 10000, Usage{}, now)
	if res.MaxRedeemable != 100 {
		t.Errorf("MaxRedeemable: got %d, want 100 (manual cap)", res.MaxRedeemable)
	}
}

func TestComputeRedeemCooldown(t *testing.T) {
	r := baseRules()
	r.RedeemCooldownSec = 60
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeRedeem, Channel: ChannelPOS, OrderTotal: 1000}

	res := Compute(req, r, 10000, Usage{LastRedeemAt: now.Add(-30 * time.Second)}, now)
	if res.CanRedeem {
		t.Errorf("expected cooldown block, got MaxRedeemable=%d", res.MaxRedeemable)
	}

	res = Compute(req, r, 10000, Usage{LastRedeemAt: now.Add(-61 * time.Second)}, now)
	if !res.CanRedeem {
		t.Errorf("cooldown elapsed, expected redeemable, reason=%q", res.Reason)
	}
}

func TestComputeEarn(t *testing.T) {
	// earnBps=500 on a 1000 order earns 50.
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS, OrderTotal: 1000}
	res := Compute(req, baseRules(), 0, Usage{}, now)
	if !res.CanEarn || res.PointsToEarn != 50 {
		t.Errorf("PointsToEarn: got %d (canEarn=%v), want 50", res.PointsToEarn, res.CanEarn)
	}
}

func TestComputeEarnEligibleSubset(t *testing.T) {
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS, OrderTotal: 1000, EligibleTotal: 400}
	res := Compute(req, baseRules(), 0, Usage{}, now)
	if res.PointsToEarn != 20 {
		t.Errorf("PointsToEarn: got %d, want 20 (on eligible 400)", res.PointsToEarn)
	}
}

func TestComputeEarnDailyCapClamps(t *testing.T) {
	r := baseRules()
	r.DailyEarnCap = 60
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS, OrderTotal: 2000}
	res := Compute(req, r, 0, Usage{DailyEarnUsed: 30}, now)
	if res.PointsToEarn != 30 {
		t.Errorf("PointsToEarn: got %d, want 30 (cap remainder)", res.PointsToEarn)
	}
}

func TestComputeEarnTooSmall(t *testing.T) {
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeEarn, Channel: ChannelPOS, OrderTotal: 10}
	res := Compute(req, baseRules(), 0, Usage{}, now)
	if res.CanEarn {
		t.Errorf("10 at 5%% rounds to 0, expected not earnable")
	}
}

func TestComputeBasisSnapshot(t *testing.T) {
	r := baseRules()
	r.DailyRedeemCap = 300
	req := Request{MerchantID: "m1", CustomerID: "c1", Mode: domain.HoldModeRedeem, Channel: ChannelPOS, OrderTotal: 1000}
	res := Compute(req, r, 777, Usage{DailyRedeemUsed: 10}, now)
	if res.Basis.Balance != 777 || res.Basis.RedeemLimitBps != 5000 || res.Basis.DailyRedeemUsed != 10 {
		t.Errorf("basis should snapshot inputs, got %+v", res.Basis)
	}
}

// readerStub serves canned state and records every call, so tests can assert
// the engine only ever reads.
type readerStub struct {
	wallet    *domain.Wallet
	walletErr error
	calls     []string
}

func (s *readerStub) GetSettings(_ context.Context, _ string) (*domain.MerchantSettings, rules.Rules, error) {
	s.calls = append(s.calls, "GetSettings")
	return &domain.MerchantSettings{SubscriptionActive: true}, baseRules(), nil
}

func (s *readerStub) GetWallet(_ context.Context, _, _ string) (*domain.Wallet, error) {
	s.calls = append(s.calls, "GetWallet")
	return s.wallet, s.walletErr
}

func (s *readerStub) MovedSince(_ context.Context, _, _ string, _ domain.TxnType, _ time.Time) (int64, error) {
	s.calls = append(s.calls, "MovedSince")
	return 0, nil
}

func (s *readerStub) LastTxnAt(_ context.Context, _, _ string, _ domain.TxnType) (time.Time, error) {
	s.calls = append(s.calls, "LastTxnAt")
	return time.Time{}, nil
}

func TestQuoteMissingWalletIsZeroBalance(t *testing.T) {
	stub := &readerStub{walletErr: domain.ErrWalletNotFound}
	e := NewEngine(stub)

	res, err := e.Quote(context.Background(), Request{
		MerchantID: "m1", CustomerID: "c1",
		Mode: domain.HoldModeRedeem, OrderTotal: 1000, Channel: ChannelPOS,
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if res.MaxRedeemable != 0 {
		t.Errorf("MaxRedeemable = %d, want 0 for a customer with no wallet", res.MaxRedeemable)
	}
	if res.Basis.Balance != 0 {
		t.Errorf("Basis.Balance = %d, want 0", res.Basis.Balance)
	}
	for _, call := range stub.calls {
		switch call {
		case "GetSettings", "GetWallet", "MovedSince", "LastTxnAt":
		default:
			t.Errorf("unexpected store call %q from a quote", call)
		}
	}
}

func TestQuoteUsesWalletBalance(t *testing.T) {
	stub := &readerStub{wallet: &domain.Wallet{Balance: 300}}
	e := NewEngine(stub)

	res, err := e.Quote(context.Background(), Request{
		MerchantID: "m1", CustomerID: "c1",
		Mode: domain.HoldModeRedeem, OrderTotal: 1000, Channel: ChannelPOS,
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if res.MaxRedeemable != 300 {
		t.Errorf("MaxRedeemable = %d, want 300 (balance-bounded)", res.MaxRedeemable)
	}
}

func TestQuotePropagatesWalletError(t *testing.T) {
	boom := errors.New("connection refused")
	e := NewEngine(&readerStub{walletErr: boom})

	_, err := e.Quote(context.Background(), Request{
		MerchantID: "m1", CustomerID: "c1",
		Mode: domain.HoldModeRedeem, OrderTotal: 1000, Channel: ChannelPOS,
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the store error propagated", err)
	}
}
