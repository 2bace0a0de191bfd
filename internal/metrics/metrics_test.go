package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestCollectorExposesHooks(t *testing.T) {
	c := NewCollector()

	c.LockAttempt("acquired")
	c.LockAttempt("acquired")
	c.LockAttempt("contended")
	c.DeviationOpened()
	c.CacheMiss()
	c.BookingConfirmed()
	c.ReadingIngested(3 * time.Millisecond)
	c.ReadingRejected("invalid_coordinate")
	c.NATSSetConnected(true)

	body := scrape(t, c)
	for _, want := range []string{
		`busline_seat_lock_attempts_total{result="acquired"} 2`,
		`busline_seat_lock_attempts_total{result="contended"} 1`,
		`busline_deviations_opened_total 1`,
		`busline_route_cache_requests_total{result="miss"} 1`,
		`busline_bookings_confirmed_total 1`,
		`busline_gps_readings_ingested_total 1`,
		`busline_gps_readings_rejected_total{reason="invalid_coordinate"} 1`,
		`busline_nats_connected 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestNATSDisconnect(t *testing.T) {
	c := NewCollector()
	c.NATSSetConnected(true)
	c.NATSSetConnected(false)
	if body := scrape(t, c); !strings.Contains(body, "busline_nats_connected 0") {
		t.Fatal("gauge should drop to 0 on disconnect")
	}
}
