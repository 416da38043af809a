package outbox

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSignVerify(t *testing.T) {
	body := []byte(`{"merchantId":"m1","amount":50}`)
	ts := int64(1767225600)
	header := sign("topsecret", ts, body)

	if !strings.HasPrefix(header, "v1,ts=1767225600,sig=") {
		t.Errorf("unexpected header shape: %s", header)
	}
	if !Verify("topsecret", header, ts, body) {
		t.Error("signature should verify with the right secret")
	}
	if Verify("wrong", header, ts, body) {
		t.Error("signature must not verify with a different secret")
	}
	if Verify("topsecret", header, ts+1, body) {
		t.Error("signature must not verify with a shifted timestamp")
	}
	if Verify("topsecret", header, ts, []byte(`{"tampered":1}`)) {
		t.Error("signature must not verify for a tampered body")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := time.Minute
	ceil := time.Hour
	prev := time.Duration(0)
	for retries := 0; retries < 12; retries++ {
		got := Backoff(base, ceil, retries)
		// ±10% jitter around base*2^retries, capped at one hour.
		want := base << uint(retries)
		if want > ceil {
			want = ceil
		}
		lo := time.Duration(float64(want) * 0.9)
		hi := time.Duration(float64(want)*1.1) + time.Millisecond
		if got < lo || got > hi {
			t.Errorf("retries=%d: got %v, want within [%v, %v]", retries, got, lo, hi)
		}
		if retries > 0 && want < ceil && got < prev/4 {
			t.Errorf("backoff should not collapse: %v after %v", got, prev)
		}
		prev = got
	}
}

func TestBackoffNegativeRetries(t *testing.T) {
	got := Backoff(time.Minute, time.Hour, -3)
	if got < 54*time.Second || got > 66*time.Second {
		t.Errorf("negative retries should behave like zero, got %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("seconds form: got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty: got %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("garbage: got %v", got)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got < 80*time.Second || got > 91*time.Second {
		t.Errorf("http-date form: got %v", got)
	}
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		url    string
		wantOK bool
	}{
		{"https://hooks.example.com/loyalty", true},
		{"http://hooks.example.com/loyalty", false},
		{"https://localhost/hook", false},
		{"https://printer.local/hook", false},
		{"https://127.0.0.1/hook", false},
		{"https://10.1.2.3/hook", false},
		{"https://192.168.1.10/hook", false},
		{"https://172.16.0.1/hook", false},
		{"https://169.254.0.1/hook", false},
		{"https://[::1]/hook", false},
		{"https://8.8.8.8/hook", true},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			reason := validateWebhookURL(tt.url)
			if (reason == "") != tt.wantOK {
				t.Errorf("validateWebhookURL(%q) = %q, wantOK=%v", tt.url, reason, tt.wantOK)
			}
		})
	}
}

func TestBreaker(t *testing.T) {
	b := newBreaker(3, time.Minute, time.Minute)
	if b.open("m1") {
		t.Fatal("fresh breaker should be closed")
	}
	b.failure("m1")
	b.failure("m1")
	if b.open("m1") {
		t.Fatal("below threshold should stay closed")
	}
	b.failure("m1")
	if !b.open("m1") {
		t.Fatal("threshold reached, breaker should open")
	}
	if b.open("m2") {
		t.Fatal("breaker state is per merchant")
	}
	b.success("m1")
	if b.open("m1") {
		t.Fatal("success should close the breaker")
	}
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", 2000)
	got := truncateError("  " + long + "  ")
	if len(got) > 1010 {
		t.Errorf("truncated length: %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("expected ellipsis suffix")
	}
	if truncateError(" short ") != "short" {
		t.Error("short errors should only be trimmed")
	}
}
