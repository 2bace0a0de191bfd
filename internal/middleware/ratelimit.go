package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"busline/internal/clock"
)

type Metrics interface {
	RateLimitExceeded()
}

// RateLimiter is a fixed window limiter keyed by client IP. It guards the
// booking endpoints.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	rate      int
	window    time.Duration
	whitelist map[string]struct{}
	clock     clock.Clock
	metrics   Metrics
	logger    *slog.Logger
}

type client struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter allows rate requests per window. IPs in whitelist
// bypass the limiter.
func NewRateLimiter(rate int, window time.Duration, whitelist []string, clk clock.Clock, logger *slog.Logger) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			wl[ip] = struct{}{}
		}
	}

	return &RateLimiter{
		clients:   make(map[string]*client),
		rate:      rate,
		window:    window,
		whitelist: wl,
		clock:     clk,
		logger:    logger.With("component", "rate_limiter"),
	}
}

func (rl *RateLimiter) SetMetrics(m Metrics) {
	rl.metrics = m
}

// Run forgets idle clients every two windows until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.forgetIdle()
		}
	}
}

func (rl *RateLimiter) forgetIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	removed := 0
	for ip, c := range rl.clients {
		if now.Sub(c.lastReset) > rl.window*2 {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) IsWhitelisted(ip string) bool {
	_, ok := rl.whitelist[ip]
	return ok
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	c, exists := rl.clients[ip]

	if !exists {
		rl.clients[ip] = &client{tokens: rl.rate - 1, lastReset: now}
		return rl.rate > 0
	}

	if now.Sub(c.lastReset) > rl.window {
		c.tokens = rl.rate - 1
		c.lastReset = now
		return rl.rate > 0
	}

	if c.tokens > 0 {
		c.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(rl.window.Seconds())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if rl.IsWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.Allow(ip) {
			if rl.metrics != nil {
				rl.metrics.RateLimitExceeded()
			}
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	// X-Forwarded-For lists "client, proxy1, proxy2"
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(first); err == nil {
			return host
		}
		return first
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

type Stats struct {
	TrackedIPs       int     `json:"trackedIps"`
	RatePerWindow    int     `json:"ratePerWindow"`
	WindowSeconds    float64 `json:"windowSeconds"`
	WhitelistEntries int     `json:"whitelistEntries"`
}

func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return Stats{
		TrackedIPs:       len(rl.clients),
		RatePerWindow:    rl.rate,
		WindowSeconds:    rl.window.Seconds(),
		WhitelistEntries: len(rl.whitelist),
	}
}
