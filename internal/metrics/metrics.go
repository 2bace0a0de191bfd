package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry and implements the metric hooks of
// the lock store, reservation engine, deviation detector, route cache,
// ingestor, alert publisher and rate limiter.
type Collector struct {
	reg *prometheus.Registry

	LockAttempts *prometheus.CounterVec // result: acquired|contended|error
	LocksExpired prometheus.Counter

	SeatRequests      *prometheus.CounterVec // result: granted|unavailable|store_unavailable|error
	BookingsConfirmed prometheus.Counter
	BookingsCancelled prometheus.Counter

	DeviationsOpened     prometheus.Counter
	DeviationsSuppressed prometheus.Counter

	CacheRequests *prometheus.CounterVec // result: hit|miss

	ReadingsIngested prometheus.Counter
	ReadingsRejected *prometheus.CounterVec // reason label
	IngestDuration   prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	RateLimited prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		LockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busline_seat_lock_attempts_total",
			Help: "Seat lock acquisition attempts by result.",
		}, []string{"result"}),
		LocksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_seat_locks_expired_total",
			Help: "Seat locks observed expired by the sweep or on access.",
		}),
		SeatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busline_seat_requests_total",
			Help: "Seat requests by result.",
		}, []string{"result"}),
		BookingsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_bookings_confirmed_total",
			Help: "Bookings confirmed.",
		}),
		BookingsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_bookings_cancelled_total",
			Help: "Bookings cancelled.",
		}),
		DeviationsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_deviations_opened_total",
			Help: "Route deviations opened.",
		}),
		DeviationsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_deviations_suppressed_total",
			Help: "Off-route readings absorbed by an already active deviation.",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busline_route_cache_requests_total",
			Help: "Route cache lookups by result.",
		}, []string{"result"}),
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_gps_readings_ingested_total",
			Help: "GPS readings processed.",
		}),
		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busline_gps_readings_rejected_total",
			Help: "GPS readings rejected by reason.",
		}, []string{"reason"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busline_gps_ingest_duration_seconds",
			Help:    "Time to process one GPS reading.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busline_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busline_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busline_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		c.LockAttempts, c.LocksExpired,
		c.SeatRequests, c.BookingsConfirmed, c.BookingsCancelled,
		c.DeviationsOpened, c.DeviationsSuppressed,
		c.CacheRequests,
		c.ReadingsIngested, c.ReadingsRejected, c.IngestDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.RateLimited,
		collectors.NewGoCollector(),
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

func (c *Collector) LockAttempt(result string) { c.LockAttempts.WithLabelValues(result).Inc() }
func (c *Collector) LockExpired()              { c.LocksExpired.Inc() }

func (c *Collector) SeatRequest(result string) { c.SeatRequests.WithLabelValues(result).Inc() }
func (c *Collector) BookingConfirmed()         { c.BookingsConfirmed.Inc() }
func (c *Collector) BookingCancelled()         { c.BookingsCancelled.Inc() }

func (c *Collector) DeviationOpened()     { c.DeviationsOpened.Inc() }
func (c *Collector) DeviationSuppressed() { c.DeviationsSuppressed.Inc() }

func (c *Collector) CacheHit()  { c.CacheRequests.WithLabelValues("hit").Inc() }
func (c *Collector) CacheMiss() { c.CacheRequests.WithLabelValues("miss").Inc() }

func (c *Collector) ReadingIngested(d time.Duration) {
	c.ReadingsIngested.Inc()
	c.IngestDuration.Observe(d.Seconds())
}

func (c *Collector) ReadingRejected(reason string) { c.ReadingsRejected.WithLabelValues(reason).Inc() }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

func (c *Collector) RateLimitExceeded() { c.RateLimited.Inc() }
