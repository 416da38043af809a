package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loyaltyops/pointsledger/internal/domain"
	"github.com/loyaltyops/pointsledger/internal/quote"
	"github.com/loyaltyops/pointsledger/internal/service"
)

func (h *Handler) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/quote"))
	defer timer.ObserveDuration()

	var req quote.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/quote", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	res, err := h.quotes.Quote(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, "POST", "/quote", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/quote", "200").Inc()
	respondWithJSON(w, http.StatusOK, res)
}

type mintQRRequest struct {
	MerchantID string          `json:"merchant_id"`
	CustomerID string          `json:"customer_id"`
	Mode       domain.HoldMode `json:"mode"`
	Amount     int64           `json:"amount,omitempty"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

func (h *Handler) MintQRHandler(w http.ResponseWriter, r *http.Request) {
	var req mintQRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/qr", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	hold, err := h.holds.MintQR(r.Context(), req.MerchantID, req.CustomerID, req.Mode,
		req.Amount, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.respondDomainError(w, "POST", "/qr", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/qr", "201").Inc()
	respondWithJSON(w, http.StatusCreated, hold)
}

func (h *Handler) CommitHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/commit"))
	defer timer.ObserveDuration()

	// The header is optional: without it the commit runs single-shot, with no
	// duplicate suppression.
	idemKey := r.Header.Get("Idempotency-Key")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/commit", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "stream read error")
		return
	}
	reqHash := service.HashRequest(body)

	var req service.CommitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/commit", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	resp, err := h.processor.Commit(r.Context(), req, idemKey, reqHash)
	if err != nil {
		h.respondDomainError(w, "POST", "/commit", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/commit", "200").Inc()
	writeRaw(w, http.StatusOK, resp)
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/refund"))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/refund", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "stream read error")
		return
	}
	reqHash := service.HashRequest(body)

	var req service.RefundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/refund", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	resp, err := h.processor.Refund(r.Context(), req, idemKey, reqHash)
	if err != nil {
		h.respondDomainError(w, "POST", "/refund", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/refund", "200").Inc()
	writeRaw(w, http.StatusOK, resp)
}

// ResolveQRHandler turns a scanned QR token into the hold it references.
func (h *Handler) ResolveQRHandler(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	hold, err := h.holds.GetByToken(r.Context(), token)
	if err != nil {
		h.respondDomainError(w, "GET", "/qr/{token}", err)
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/qr/{token}", "200").Inc()
	respondWithJSON(w, http.StatusOK, hold)
}

func (h *Handler) GetHoldHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	hold, err := h.holds.Get(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, "GET", "/holds/{id}", err)
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/holds/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, hold)
}

func (h *Handler) CancelHoldHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.holds.Cancel(r.Context(), id); err != nil {
		h.respondDomainError(w, "POST", "/holds/{id}/cancel", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/holds/{id}/cancel", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	wallet, err := h.wallets.GetWallet(r.Context(), vars["merchantId"], vars["customerId"])
	if err != nil {
		h.respondDomainError(w, "GET", "/wallets/{merchantId}/{customerId}", err)
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/wallets/{merchantId}/{customerId}", "200").Inc()
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	txns, err := h.wallets.ListTransactions(r.Context(), vars["merchantId"], vars["customerId"], limit)
	if err != nil {
		h.respondDomainError(w, "GET", "/wallets/{merchantId}/{customerId}/transactions", err)
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/wallets/{merchantId}/{customerId}/transactions", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (h *Handler) RetryEventHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.outbox.Retry(r.Context(), id); err != nil {
		h.respondDomainError(w, "POST", "/admin/outbox/events/{id}/retry", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/admin/outbox/events/{id}/retry", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) RetryAllHandler(w http.ResponseWriter, r *http.Request) {
	merchantID := mux.Vars(r)["merchantId"]

	var n int64
	var err error
	if s := r.URL.Query().Get("since"); s != "" {
		since, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			respondWithError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		n, err = h.outbox.RetrySince(r.Context(), merchantID, since)
	} else {
		n, err = h.outbox.RetryAll(r.Context(), merchantID)
	}
	if err != nil {
		h.respondDomainError(w, "POST", "/admin/outbox/merchants/{merchantId}/retry-all", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/admin/outbox/merchants/{merchantId}/retry-all", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

type pauseRequest struct {
	// Until ends the pause; zero means pause for 24 hours.
	Until time.Time `json:"until,omitempty"`
}

func (h *Handler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	merchantID := mux.Vars(r)["merchantId"]

	var req pauseRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}
	}
	until := req.Until
	if until.IsZero() {
		until = time.Now().Add(24 * time.Hour)
	}

	if err := h.outbox.Pause(r.Context(), merchantID, until); err != nil {
		h.respondDomainError(w, "POST", "/admin/outbox/merchants/{merchantId}/pause", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/admin/outbox/merchants/{merchantId}/pause", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]any{"ok": true, "until": until})
}

func (h *Handler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	merchantID := mux.Vars(r)["merchantId"]

	if err := h.outbox.Resume(r.Context(), merchantID); err != nil {
		h.respondDomainError(w, "POST", "/admin/outbox/merchants/{merchantId}/resume", err)
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/admin/outbox/merchants/{merchantId}/resume", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeRaw(w http.ResponseWriter, code int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
