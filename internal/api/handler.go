package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/quote"
	"github.com/loyaltyops/pointsledger/internal/service"
	"github.com/loyaltyops/pointsledger/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loyalty_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Quoter prices an order against the merchant's rules.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (*quote.Result, error)
}

// Committer applies commits and refunds under idempotency keys.
type Committer interface {
	Commit(ctx context.Context, req service.CommitRequest, idemKey, reqHash string) (json.RawMessage, error)
	Refund(ctx context.Context, req service.RefundRequest, idemKey, reqHash string) (json.RawMessage, error)
}

// HoldManager mints and cancels redemption holds.
type HoldManager interface {
	MintQR(ctx context.Context, merchantID, customerID string, mode domain.HoldMode, amount int64, ttl time.Duration) (*domain.Hold, error)
	Get(ctx context.Context, id string) (*domain.Hold, error)
	GetByToken(ctx context.Context, token string) (*domain.Hold, error)
	Cancel(ctx context.Context, id string) error
}

// OutboxAdmin drives redelivery of webhook events.
type OutboxAdmin interface {
	Retry(ctx context.Context, eventID string) error
	RetryAll(ctx context.Context, merchantID string) (int64, error)
	RetrySince(ctx context.Context, merchantID string, since time.Time) (int64, error)
	Pause(ctx context.Context, merchantID string, until time.Time) error
	Resume(ctx context.Context, merchantID string) error
}

// WalletReader serves read-only wallet and history lookups.
type WalletReader interface {
	GetWallet(ctx context.Context, merchantID, customerID string) (*domain.Wallet, error)
	ListTransactions(ctx context.Context, merchantID, customerID string, limit int) ([]domain.Transaction, error)
}

type Handler struct {
	quotes    Quoter
	processor Committer
	holds     HoldManager
	outbox    OutboxAdmin
	wallets   WalletReader
	db        *pgxpool.Pool
}

func NewHandler(q Quoter, p Committer, h HoldManager, o OutboxAdmin, w WalletReader) *Handler {
	return &Handler{quotes: q, processor: p, holds: h, outbox: o, wallets: w}
}

// WithDB attaches the pool used by the health check.
func (h *Handler) WithDB(db *pgxpool.Pool) *Handler {
	h.db = db
	return h
}

// Router mounts all routes, including /health and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1/loyalty").Subrouter()
	v1.HandleFunc("/quote", h.QuoteHandler).Methods("POST")
	v1.HandleFunc("/qr", h.MintQRHandler).Methods("POST")
	v1.HandleFunc("/qr/{token}", h.ResolveQRHandler).Methods("GET")
	v1.HandleFunc("/commit", h.CommitHandler).Methods("POST")
	v1.HandleFunc("/refund", h.RefundHandler).Methods("POST")
	v1.HandleFunc("/holds/{id}", h.GetHoldHandler).Methods("GET")
	v1.HandleFunc("/holds/{id}/cancel", h.CancelHoldHandler).Methods("POST")
	v1.HandleFunc("/wallets/{merchantId}/{customerId}", h.GetWalletHandler).Methods("GET")
	v1.HandleFunc("/wallets/{merchantId}/{customerId}/transactions", h.ListTransactionsHandler).Methods("GET")

	admin := r.PathPrefix("/api/v1/admin/outbox").Subrouter()
	admin.HandleFunc("/events/{id}/retry", h.RetryEventHandler).Methods("POST")
	admin.HandleFunc("/merchants/{merchantId}/retry-all", h.RetryAllHandler).Methods("POST")
	admin.HandleFunc("/merchants/{merchantId}/pause", h.PauseHandler).Methods("POST")
	admin.HandleFunc("/merchants/{merchantId}/resume", h.ResumeHandler).Methods("POST")

	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			respondWithError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the domain error taxonomy to HTTP status codes. Anything
// outside the taxonomy is a 500.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrHoldNotFound),
		errors.Is(err, domain.ErrWalletNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrEventNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrHoldExpired):
		return http.StatusGone, "hold expired"
	case errors.Is(err, domain.ErrHoldAlreadyCommitted),
		errors.Is(err, domain.ErrHoldCanceled),
		errors.Is(err, domain.ErrOrderAlreadyCommitted):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrRequestInProgress):
		return http.StatusConflict, "request processing in progress"
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusUnprocessableEntity, "key reuse with mismatched payload"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient balance"
	case errors.Is(err, domain.ErrRefundExceedsOriginal):
		return http.StatusUnprocessableEntity, "refund exceeds original amount"
	case errors.Is(err, domain.ErrAntifraudRejected):
		return http.StatusForbidden, "rejected by antifraud"
	case errors.Is(err, domain.ErrSubscriptionInactive):
		return http.StatusForbidden, "subscription inactive"
	case errors.Is(err, domain.ErrLedgerHalted):
		return http.StatusServiceUnavailable, "ledger halted pending reconciliation"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *Handler) respondDomainError(w http.ResponseWriter, method, endpoint string, err error) {
	code, msg := statusFor(err)
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithError(w, code, msg)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

var _ WalletReader = (*store.Store)(nil)
