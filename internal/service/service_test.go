package service

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

func TestHashRequest(t *testing.T) {
	a := HashRequest([]byte(`{"order_id":"o1"}`))
	b := HashRequest([]byte(`{"order_id":"o1"}`))
	c := HashRequest([]byte(`{"order_id":"o2"}`))

	if a != b {
		t.Error("identical bodies must hash identically")
	}
	if a == c {
		t.Error("distinct bodies must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestCommitRequestValidate(t *testing.T) {
	valid := CommitRequest{
		HoldID:     "h1",
		OrderID:    "o1",
		OrderTotal: 1000,
	}

	cases := []struct {
		name   string
		mutate func(*CommitRequest)
		ok     bool
	}{
		{"hold flow", func(r *CommitRequest) {}, true},
		{"direct earn", func(r *CommitRequest) {
			r.HoldID = ""
			r.MerchantID = "m1"
			r.CustomerID = "c1"
			r.Mode = domain.HoldModeEarn
		}, true},
		{"missing order", func(r *CommitRequest) { r.OrderID = "" }, false},
		{"no hold no parties", func(r *CommitRequest) { r.HoldID = "" }, false},
		{"direct redeem forbidden", func(r *CommitRequest) {
			r.HoldID = ""
			r.MerchantID = "m1"
			r.CustomerID = "c1"
			r.Mode = domain.HoldModeRedeem
		}, false},
		{"negative amount", func(r *CommitRequest) { r.Amount = -1 }, false},
		{"eligible exceeds total", func(r *CommitRequest) { r.EligibleTotal = 2000 }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			err := req.validate()
			if tc.ok && err != nil {
				t.Errorf("validate() = %v, want nil", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("validate() = nil, want error")
				}
				if !errors.Is(err, domain.ErrValidation) {
					t.Errorf("error %v should wrap ErrValidation", err)
				}
			}
		})
	}
}

func TestResolveIdemRow(t *testing.T) {
	body := json.RawMessage(`{"ok":true}`)

	t.Run("completed identical request replays", func(t *testing.T) {
		got, err := resolveIdemRow("h1", "h1", domain.IdemDone, body)
		if err != nil {
			t.Fatalf("resolveIdemRow: %v", err)
		}
		if string(got) != string(body) {
			t.Errorf("body = %s, want %s", got, body)
		}
	})

	t.Run("payload mismatch is a conflict", func(t *testing.T) {
		_, err := resolveIdemRow("h1", "h2", domain.IdemDone, body)
		if !errors.Is(err, domain.ErrIdempotencyConflict) {
			t.Errorf("err = %v, want ErrIdempotencyConflict", err)
		}
	})

	t.Run("pending duplicate is in flight", func(t *testing.T) {
		_, err := resolveIdemRow("h1", "h1", domain.IdemPending, nil)
		if !errors.Is(err, domain.ErrRequestInProgress) {
			t.Errorf("err = %v, want ErrRequestInProgress", err)
		}
	})
}

func TestAbs64(t *testing.T) {
	if abs64(-500) != 500 || abs64(500) != 500 || abs64(0) != 0 {
		t.Error("abs64 should strip sign")
	}
}
