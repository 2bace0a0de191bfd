package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"busline/internal/clock"
)

type countingMetrics struct{ limited int }

func (m *countingMetrics) RateLimitExceeded() { m.limited++ }

func newLimiter(rate int, clk clock.Clock, whitelist ...string) *RateLimiter {
	return NewRateLimiter(rate, time.Minute, whitelist, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAllowWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	rl := newLimiter(2, clk)

	if !rl.Allow("1.1.1.1") || !rl.Allow("1.1.1.1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("1.1.1.1") {
		t.Fatal("third request inside the window should be limited")
	}
	if !rl.Allow("2.2.2.2") {
		t.Fatal("other clients have their own budget")
	}

	clk.Advance(61 * time.Second)
	if !rl.Allow("1.1.1.1") {
		t.Fatal("budget should reset after the window")
	}

	clk.Advance(3 * time.Minute)
	if removed := rl.forgetIdle(); removed != 2 {
		t.Fatalf("forgot %d clients, want 2", removed)
	}
}

func TestMiddleware(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	rl := newLimiter(1, clk, "10.0.0.1")
	m := &countingMetrics{}
	rl.SetMetrics(m)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       int
	}{
		{"first request", "1.1.1.1:1234", "", http.StatusNoContent},
		{"second request limited", "1.1.1.1:1234", "", http.StatusTooManyRequests},
		{"forwarded client", "9.9.9.9:80", "3.3.3.3, 9.9.9.9", http.StatusNoContent},
		{"forwarded client limited", "9.9.9.9:80", "3.3.3.3", http.StatusTooManyRequests},
		{"whitelisted", "10.0.0.1:5000", "", http.StatusNoContent},
		{"whitelisted again", "10.0.0.1:5000", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/trips/T1/reservations", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
				t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
			}
		})
	}

	if m.limited != 2 {
		t.Fatalf("limited = %d, want 2", m.limited)
	}
	if s := rl.Stats(); s.TrackedIPs != 2 || s.WhitelistEntries != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
