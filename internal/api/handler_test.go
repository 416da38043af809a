package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/quote"
	"github.com/loyaltyops/pointsledger/internal/service"
)

type stubQuoter struct {
	res *quote.Result
	err error
}

func (s *stubQuoter) Quote(context.Context, quote.Request) (*quote.Result, error) {
	return s.res, s.err
}

type stubProcessor struct {
	resp    json.RawMessage
	err     error
	gotKey  string
	gotHash string
}

func (s *stubProcessor) Commit(_ context.Context, _ service.CommitRequest, idemKey, reqHash string) (json.RawMessage, error) {
	s.gotKey, s.gotHash = idemKey, reqHash
	return s.resp, s.err
}

func (s *stubProcessor) Refund(_ context.Context, _ service.RefundRequest, idemKey, reqHash string) (json.RawMessage, error) {
	s.gotKey, s.gotHash = idemKey, reqHash
	return s.resp, s.err
}

type stubHolds struct {
	hold *domain.Hold
	err  error
}

func (s *stubHolds) MintQR(context.Context, string, string, domain.HoldMode, int64, time.Duration) (*domain.Hold, error) {
	return s.hold, s.err
}
func (s *stubHolds) Get(context.Context, string) (*domain.Hold, error) { return s.hold, s.err }
func (s *stubHolds) GetByToken(context.Context, string) (*domain.Hold, error) {
	return s.hold, s.err
}
func (s *stubHolds) Cancel(context.Context, string) error { return s.err }

type stubOutbox struct {
	requeued int64
	err      error
}

func (s *stubOutbox) Retry(context.Context, string) error             { return s.err }
func (s *stubOutbox) RetryAll(context.Context, string) (int64, error) { return s.requeued, s.err }
func (s *stubOutbox) RetrySince(context.Context, string, time.Time) (int64, error) {
	return s.requeued, s.err
}
func (s *stubOutbox) Pause(context.Context, string, time.Time) error { return s.err }
func (s *stubOutbox) Resume(context.Context, string) error           { return s.err }

type stubWallets struct {
	wallet *domain.Wallet
	txns   []domain.Transaction
	err    error
}

func (s *stubWallets) GetWallet(context.Context, string, string) (*domain.Wallet, error) {
	return s.wallet, s.err
}

func (s *stubWallets) ListTransactions(context.Context, string, string, int) ([]domain.Transaction, error) {
	return s.txns, s.err
}

func newTestHandler(q Quoter, p Committer, h HoldManager, o OutboxAdmin, w WalletReader) *Handler {
	if q == nil {
		q = &stubQuoter{}
	}
	if p == nil {
		p = &stubProcessor{}
	}
	if h == nil {
		h = &stubHolds{}
	}
	if o == nil {
		o = &stubOutbox{}
	}
	if w == nil {
		w = &stubWallets{}
	}
	return NewHandler(q, p, h, o, w)
}

func TestQuoteHandler(t *testing.T) {
	h := newTestHandler(&stubQuoter{res: &quote.Result{Mode: domain.HoldModeRedeem, MaxRedeemable: 500, FinalPayable: 500}}, nil, nil, nil, nil)

	body := `{"merchant_id":"m1","customer_id":"c1","mode":"REDEEM","order_total":1000,"channel":"POS"}`
	req := httptest.NewRequest("POST", "/api/v1/loyalty/quote", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var res quote.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.MaxRedeemable != 500 {
		t.Errorf("MaxRedeemable = %d, want 500", res.MaxRedeemable)
	}
}

func TestQuoteHandlerBadJSON(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/v1/loyalty/quote", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCommitHandlerWithoutIdempotencyKey(t *testing.T) {
	// The header is optional: its absence means a single-shot commit with no
	// duplicate suppression, not a client error.
	p := &stubProcessor{resp: json.RawMessage(`{"ok":true}`), gotKey: "sentinel"}
	h := newTestHandler(nil, p, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/v1/loyalty/commit",
		strings.NewReader(`{"hold_id":"h1","order_id":"o1","order_total":1000}`))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	if p.gotKey != "" {
		t.Errorf("idemKey = %q, want empty passthrough", p.gotKey)
	}
	if p.gotHash == "" {
		t.Error("request hash should still be computed without the header")
	}
}

func TestRefundHandlerWithoutIdempotencyKey(t *testing.T) {
	p := &stubProcessor{resp: json.RawMessage(`{"ok":true}`), gotKey: "sentinel"}
	h := newTestHandler(nil, p, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/v1/loyalty/refund",
		strings.NewReader(`{"transaction_id":"t1","amount":100}`))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	if p.gotKey != "" {
		t.Errorf("idemKey = %q, want empty passthrough", p.gotKey)
	}
}

func TestCommitHandlerPassesRawResponse(t *testing.T) {
	raw := json.RawMessage(`{"ok":true,"redeem_applied":500}`)
	h := newTestHandler(nil, &stubProcessor{resp: raw}, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/v1/loyalty/commit",
		strings.NewReader(`{"hold_id":"h1","order_id":"o1","order_total":1000}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	if strings.TrimSpace(rec.Body.String()) != string(raw) {
		t.Errorf("body = %s, want %s", rec.Body, raw)
	}
}

func TestCommitHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"hold expired", domain.ErrHoldExpired, http.StatusGone},
		{"already committed", domain.ErrHoldAlreadyCommitted, http.StatusConflict},
		{"order already committed", domain.ErrOrderAlreadyCommitted, http.StatusConflict},
		{"in progress", domain.ErrRequestInProgress, http.StatusConflict},
		{"key mismatch", domain.ErrIdempotencyConflict, http.StatusUnprocessableEntity},
		{"insufficient", domain.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{"validation", domain.ErrValidation, http.StatusUnprocessableEntity},
		{"antifraud", domain.ErrAntifraudRejected, http.StatusForbidden},
		{"subscription", domain.ErrSubscriptionInactive, http.StatusForbidden},
		{"halted", domain.ErrLedgerHalted, http.StatusServiceUnavailable},
		{"hold missing", domain.ErrHoldNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(nil, &stubProcessor{err: tc.err}, nil, nil, nil)

			req := httptest.NewRequest("POST", "/api/v1/loyalty/commit", strings.NewReader(`{}`))
			req.Header.Set("Idempotency-Key", "key-1")
			rec := httptest.NewRecorder()
			h.Router().ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRefundHandlerExceedsOriginal(t *testing.T) {
	h := newTestHandler(nil, &stubProcessor{err: domain.ErrRefundExceedsOriginal}, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/v1/loyalty/refund",
		strings.NewReader(`{"transaction_id":"t1","amount":1000}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestMintQRHandler(t *testing.T) {
	hold := &domain.Hold{ID: "h1", Token: "tok-1", Status: domain.HoldActive}
	h := newTestHandler(nil, nil, &stubHolds{hold: hold}, nil, nil)

	req := httptest.NewRequest("POST", "/api/v1/loyalty/qr",
		strings.NewReader(`{"merchant_id":"m1","customer_id":"c1","mode":"REDEEM"}`))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body)
	}
	var got domain.Hold
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Token != "tok-1" {
		t.Errorf("token = %q, want tok-1", got.Token)
	}
}

func TestGetWalletHandlerNotFound(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil, &stubWallets{err: domain.ErrWalletNotFound})

	req := httptest.NewRequest("GET", "/api/v1/loyalty/wallets/m1/c1", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListTransactionsLimitValidation(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/loyalty/wallets/m1/c1/transactions?limit=9999", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRetryEventHandlerNotFound(t *testing.T) {
	h := newTestHandler(nil, nil, nil, &stubOutbox{err: domain.ErrEventNotFound}, nil)

	req := httptest.NewRequest("POST", "/api/v1/admin/outbox/events/ev1/retry", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRetryAllHandler(t *testing.T) {
	h := newTestHandler(nil, nil, nil, &stubOutbox{requeued: 7}, nil)

	req := httptest.NewRequest("POST", "/api/v1/admin/outbox/merchants/m1/retry-all", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["requeued"] != 7 {
		t.Errorf("requeued = %d, want 7", res["requeued"])
	}
}

func TestHealthCheck(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
