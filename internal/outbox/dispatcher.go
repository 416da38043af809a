// Package outbox delivers ledger-produced events to merchant webhooks.
// Delivery is at-least-once: rows are claimed with a conditional update so
// concurrent dispatcher replicas never double-claim, retried with capped
// exponential backoff, and parked DEAD after the retry budget is spent.
package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loyaltyops/pointsledger/internal/domain"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_outbox_events_total",
		Help: "Outbox delivery attempts by result",
	}, []string{"result"})

	deadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_outbox_dead_total",
		Help: "Events parked DEAD after exhausting retries",
	})
)

// Config tunes the dispatcher; zero values fall back to the defaults below.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	HTTPTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}

type Dispatcher struct {
	db      *pgxpool.Pool
	client  *http.Client
	logger  *slog.Logger
	cfg     Config
	breaker *breaker
}

func NewDispatcher(db *pgxpool.Pool, logger *slog.Logger, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		db:      db,
		client:  &http.Client{Timeout: cfg.HTTPTimeout, CheckRedirect: noRedirects},
		logger:  logger,
		cfg:     cfg,
		breaker: newBreaker(5, time.Minute, 2*time.Minute),
	}
}

func noRedirects(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// Run polls until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.logger.Info("outbox dispatcher started", "interval", d.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("outbox tick failed", "error", err)
			}
		}
	}
}

// Tick processes one bounded batch of due events.
func (d *Dispatcher) Tick(ctx context.Context) error {
	rows, err := d.db.Query(ctx,
		`SELECT id, merchant_id, event_type, payload, retries, created_at
		 FROM event_outbox
		 WHERE status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= now())
		 ORDER BY created_at
		 LIMIT $3`,
		domain.OutboxPending, domain.OutboxFailed, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("outbox poll failed: %w", err)
	}
	batch, err := collectEvents(rows)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	for _, ev := range batch {
		sem <- struct{}{}
		go func(ev domain.OutboxEvent) {
			defer func() { <-sem }()
			d.process(ctx, ev)
		}(ev)
	}
	for i := 0; i < d.cfg.Concurrency; i++ {
		sem <- struct{}{}
	}
	return nil
}

func collectEvents(rows pgx.Rows) ([]domain.OutboxEvent, error) {
	defer rows.Close()
	var out []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.MerchantID, &ev.EventType, &ev.Payload, &ev.Retries, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// claim is the conditional update that makes duplicate schedulers safe: only
// one replica wins the PENDING/FAILED -> SENDING transition.
func (d *Dispatcher) claim(ctx context.Context, id string) bool {
	tag, err := d.db.Exec(ctx,
		`UPDATE event_outbox SET status = $1, updated_at = now()
		 WHERE id = $2 AND status IN ($3, $4)`,
		domain.OutboxSending, id, domain.OutboxPending, domain.OutboxFailed)
	if err != nil {
		return false
	}
	return tag.RowsAffected() == 1
}

func (d *Dispatcher) process(ctx context.Context, ev domain.OutboxEvent) {
	if !d.claim(ctx, ev.ID) {
		return
	}

	var webhookURL, secret, keyID string
	var pausedUntil *time.Time
	err := d.db.QueryRow(ctx,
		`SELECT webhook_url, webhook_secret, webhook_key_id, outbox_paused_until
		 FROM merchant_settings WHERE merchant_id = $1`, ev.MerchantID).
		Scan(&webhookURL, &secret, &keyID, &pausedUntil)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		d.release(ctx, ev, "settings lookup failed: "+err.Error())
		return
	}

	if pausedUntil != nil && pausedUntil.After(time.Now()) {
		// Queued events survive a pause untouched; Resume releases them.
		d.setStatus(ctx, ev.ID, domain.OutboxPaused, nil, "paused until "+pausedUntil.Format(time.RFC3339))
		return
	}
	if webhookURL == "" || secret == "" {
		// Nothing to deliver to; treat as delivered so the queue drains.
		d.setStatus(ctx, ev.ID, domain.OutboxSent, nil, "webhook not configured")
		eventsTotal.WithLabelValues("skipped").Inc()
		return
	}
	if reason := validateWebhookURL(webhookURL); reason != "" {
		d.fail(ctx, ev, reason, 0)
		return
	}
	if d.breaker.open(ev.MerchantID) {
		next := time.Now().Add(d.breaker.cooldown)
		d.setStatus(ctx, ev.ID, domain.OutboxPending, &next, "circuit open")
		return
	}

	status, retryAfter, errText := d.deliver(ctx, ev, webhookURL, secret, keyID)
	if status >= 200 && status < 300 {
		d.setStatus(ctx, ev.ID, domain.OutboxSent, nil, "")
		eventsTotal.WithLabelValues("sent").Inc()
		d.breaker.success(ev.MerchantID)
		return
	}
	if status >= 500 || status == http.StatusTooManyRequests || status == 0 {
		d.breaker.failure(ev.MerchantID)
	}
	d.fail(ctx, ev, errText, retryAfter)
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.OutboxEvent, webhookURL, secret, keyID string) (status int, retryAfter time.Duration, errText string) {
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(ev.Payload))
	if err != nil {
		return 0, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Loyalty-Signature", sign(secret, ts, ev.Payload))
	req.Header.Set("X-Signature-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Merchant-Id", ev.MerchantID)
	req.Header.Set("X-Event-Id", ev.ID)
	req.Header.Set("X-Event-Type", ev.EventType)
	if keyID != "" {
		req.Header.Set("X-Signature-Key-Id", keyID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, 0, truncateError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, 0, ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return resp.StatusCode, retryAfter, truncateError(fmt.Sprintf("%d %s %s", resp.StatusCode, resp.Status, body))
}

// fail schedules the next attempt, or parks the event DEAD once the retry
// budget is exhausted. retryAfter overrides backoff when the receiver asked
// for a longer pause.
func (d *Dispatcher) fail(ctx context.Context, ev domain.OutboxEvent, errText string, retryAfter time.Duration) {
	retries := ev.Retries + 1
	if retries >= d.cfg.MaxRetries {
		d.setStatusRetries(ctx, ev.ID, domain.OutboxDead, retries, nil, errText)
		deadTotal.Inc()
		eventsTotal.WithLabelValues("dead").Inc()
		d.logger.Warn("outbox event dead", "event_id", ev.ID, "merchant_id", ev.MerchantID, "error", errText)
		return
	}
	wait := Backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, ev.Retries)
	if retryAfter > wait {
		wait = retryAfter
	}
	next := time.Now().Add(wait)
	d.setStatusRetries(ctx, ev.ID, domain.OutboxFailed, retries, &next, errText)
	eventsTotal.WithLabelValues("failed").Inc()
}

// release puts a claimed event back in the queue without burning a retry.
func (d *Dispatcher) release(ctx context.Context, ev domain.OutboxEvent, errText string) {
	d.setStatus(ctx, ev.ID, domain.OutboxPending, nil, errText)
}

func (d *Dispatcher) setStatus(ctx context.Context, id string, status domain.OutboxStatus, next *time.Time, errText string) {
	_, err := d.db.Exec(ctx,
		`UPDATE event_outbox SET status = $1, next_retry_at = $2, last_error = NULLIF($3, ''), updated_at = now()
		 WHERE id = $4`,
		status, next, errText, id)
	if err != nil {
		d.logger.Error("outbox status update failed", "event_id", id, "error", err)
	}
}

func (d *Dispatcher) setStatusRetries(ctx context.Context, id string, status domain.OutboxStatus, retries int, next *time.Time, errText string) {
	_, err := d.db.Exec(ctx,
		`UPDATE event_outbox SET status = $1, retries = $2, next_retry_at = $3, last_error = NULLIF($4, ''), updated_at = now()
		 WHERE id = $5`,
		status, retries, next, errText, id)
	if err != nil {
		d.logger.Error("outbox status update failed", "event_id", id, "error", err)
	}
}

// Backoff computes the delay before attempt retries+1: base*2^retries capped,
// with ±10% jitter so synchronized retries spread out.
func Backoff(base, ceil time.Duration, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := base
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= ceil {
			d = ceil
			break
		}
	}
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(time.Now()) {
		return time.Until(at)
	}
	return 0
}

// validateWebhookURL rejects endpoints the dispatcher must never call:
// plaintext, loopback, and private-network targets.
func validateWebhookURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid webhook URL"
	}
	if u.Scheme != "https" {
		return "webhook URL must use https"
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "webhook URL missing host"
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return "webhook URL points to a private address"
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return "webhook URL points to a private address"
		}
	}
	return ""
}

func truncateError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 1000 {
		return s[:1000] + "…"
	}
	return s
}
