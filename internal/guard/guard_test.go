package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

func TestChainStopsAtFirstDenial(t *testing.T) {
	var calls []string
	pass := func(name string) Guard {
		return Func(func(ctx context.Context, op Operation) error {
			calls = append(calls, name)
			return nil
		})
	}
	deny := Func(func(ctx context.Context, op Operation) error {
		calls = append(calls, "deny")
		return domain.ErrAntifraudRejected
	})

	chain := Chain{pass("first"), deny, pass("after")}
	err := chain.Authorize(context.Background(), Operation{MerchantID: "m1"})
	if !errors.Is(err, domain.ErrAntifraudRejected) {
		t.Fatalf("got %v, want ErrAntifraudRejected", err)
	}
	if len(calls) != 2 || calls[1] != "deny" {
		t.Errorf("guard after denial should not run, calls=%v", calls)
	}
}

func TestChainEmptyPasses(t *testing.T) {
	if err := (Chain{}).Authorize(context.Background(), Operation{}); err != nil {
		t.Fatalf("empty chain should pass, got %v", err)
	}
}

func TestAntifraudClient(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"allow", `{"allow": true}`, nil},
		{"deny", `{"allow": false, "reason": "velocity"}`, domain.ErrAntifraudRejected},
		{"garbage body tolerated", `not json`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method: got %s, want POST", r.Method)
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewAntifraudClient(srv.URL)
			err := c.Authorize(context.Background(), Operation{MerchantID: "m1", Kind: "commit"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAntifraudClientDisabledAndUnreachable(t *testing.T) {
	if err := NewAntifraudClient("").Authorize(context.Background(), Operation{}); err != nil {
		t.Errorf("empty endpoint should pass, got %v", err)
	}
	// Advisory scorer: connection failure must not block the operation.
	c := NewAntifraudClient("http://127.0.0.1:1")
	if err := c.Authorize(context.Background(), Operation{}); err != nil {
		t.Errorf("unreachable scorer should pass, got %v", err)
	}
}
