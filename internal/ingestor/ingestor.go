package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"busline/internal/clock"
	"busline/internal/domain"
	"busline/internal/geo"
	"busline/internal/hub"
	"busline/internal/store"
	"busline/internal/tracking"
)

// Source is a pull-based GPS feed such as a GTFS-RT VehiclePositions URL.
type Source interface {
	Fetch(ctx context.Context) ([]domain.GPSReading, error)
}

type ReadingLog interface {
	Append(ctx context.Context, r domain.GPSReading) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type TripFinder interface {
	ActiveTripForVehicle(ctx context.Context, vehicleID string, now time.Time) (*domain.Trip, error)
}

type RouteSource interface {
	GetRoute(ctx context.Context, id string) (*domain.Route, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, vehicleID string, actual geo.Coordinate, route domain.Route, trip domain.Trip, now time.Time) (*tracking.Opened, error)
}

type Broadcaster interface {
	Broadcast(deltas []domain.VehicleDelta)
	BroadcastDeviation(tripID string, d domain.Deviation, etas []domain.StopETA, revisedArrival time.Time)
}

type Metrics interface {
	ReadingIngested(d time.Duration)
	ReadingRejected(reason string)
}

type Options struct {
	Workers           int
	QueueSize         int
	ZoomLevel         int
	PollInterval      time.Duration
	Retention         time.Duration
	RetentionInterval time.Duration
}

// Ingestor shards readings by vehicle so each vehicle is handled in
// arrival order while different vehicles run in parallel.
type Ingestor struct {
	source      Source
	log         ReadingLog
	vehicles    *store.Store
	trips       TripFinder
	routes      RouteSource
	detector    Evaluator
	broadcaster Broadcaster
	metrics     Metrics
	clock       clock.Clock
	opts        Options
	logger      *slog.Logger

	shards    []chan domain.GPSReading
	processed atomic.Int64

	ready   bool
	readyMu sync.RWMutex
}

func New(log ReadingLog, vehicles *store.Store, trips TripFinder, routes RouteSource, detector Evaluator, broadcaster Broadcaster, clk clock.Clock, opts Options, logger *slog.Logger) *Ingestor {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}

	shards := make([]chan domain.GPSReading, opts.Workers)
	for i := range shards {
		shards[i] = make(chan domain.GPSReading, opts.QueueSize)
	}

	return &Ingestor{
		log:         log,
		vehicles:    vehicles,
		trips:       trips,
		routes:      routes,
		detector:    detector,
		broadcaster: broadcaster,
		clock:       clk,
		opts:        opts,
		logger:      logger.With("component", "ingestor"),
		shards:      shards,
	}
}

func (i *Ingestor) SetSource(s Source) {
	i.source = s
}

func (i *Ingestor) SetMetrics(m Metrics) {
	i.metrics = m
}

// Submit validates a reading and queues it on its vehicle's shard. It
// blocks while the shard is full.
func (i *Ingestor) Submit(ctx context.Context, r domain.GPSReading) error {
	if r.VehicleID == "" {
		i.rejected("missing_vehicle")
		return fmt.Errorf("%w: missing vehicle id", domain.ErrInvalidReading)
	}
	if err := r.Position.Validate(); err != nil {
		i.rejected("invalid_coordinate")
		return err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = i.clock.Now()
	}

	shard := i.shards[xxhash.Sum64String(r.VehicleID)%uint64(len(i.shards))]
	select {
	case shard <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Ingestor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, shard := range i.shards {
		wg.Add(1)
		go func(in <-chan domain.GPSReading) {
			defer wg.Done()
			i.work(ctx, in)
		}(shard)
	}
	defer wg.Wait()

	var pollC <-chan time.Time
	if i.source != nil && i.opts.PollInterval > 0 {
		ticker := time.NewTicker(i.opts.PollInterval)
		defer ticker.Stop()
		pollC = ticker.C
		i.poll(ctx)
	} else {
		i.setReady(true)
	}

	pruneEvery := i.opts.PollInterval * 3
	if pruneEvery <= 0 {
		pruneEvery = 30 * time.Second
	}
	pruneTicker := time.NewTicker(pruneEvery)
	defer pruneTicker.Stop()

	var retentionC <-chan time.Time
	if i.opts.Retention > 0 && i.opts.RetentionInterval > 0 {
		ticker := time.NewTicker(i.opts.RetentionInterval)
		defer ticker.Stop()
		retentionC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollC:
			i.poll(ctx)
		case <-pruneTicker.C:
			i.prune()
		case <-retentionC:
			i.purge(ctx)
		}
	}
}

func (i *Ingestor) work(ctx context.Context, in <-chan domain.GPSReading) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-in:
			i.process(ctx, r)
		}
	}
}

// process appends the reading to the log, refreshes the live vehicle,
// then checks the vehicle's active trip for a route deviation using the
// reading's own timestamp.
func (i *Ingestor) process(ctx context.Context, r domain.GPSReading) {
	start := time.Now()
	defer func() {
		i.processed.Add(1)
		if i.metrics != nil {
			i.metrics.ReadingIngested(time.Since(start))
		}
	}()

	if err := i.log.Append(ctx, r); err != nil {
		i.logger.Error("failed to append reading", "vehicle_id", r.VehicleID, "error", err)
	}

	v := domain.VehicleFromReading(r)
	v.TileID = hub.TileID(r.Position, i.opts.ZoomLevel)

	trip, route := i.assignment(ctx, r)
	if trip != nil {
		v.TripID = trip.ID
		v.RouteID = trip.RouteID
	}
	if trip != nil && route != nil {
		if expected, ok := tracking.ExpectedPosition(*trip, *route, r.Timestamp); ok {
			v.OffRoute = geo.DistanceKm(r.Position, expected) > tracking.DeviationThresholdKm
		}
	}

	delta, applied := i.vehicles.Update(v)
	if !applied {
		return
	}
	if i.broadcaster != nil {
		i.broadcaster.Broadcast([]domain.VehicleDelta{delta})
	}

	if trip == nil || route == nil || i.detector == nil {
		return
	}

	opened, err := i.detector.Evaluate(ctx, r.VehicleID, r.Position, *route, *trip, r.Timestamp)
	if err != nil {
		i.logger.Error("deviation check failed", "vehicle_id", r.VehicleID, "trip_id", trip.ID, "error", err)
		return
	}
	if opened != nil && i.broadcaster != nil {
		i.broadcaster.BroadcastDeviation(trip.ID, opened.Deviation, opened.ETAs, opened.RevisedArrival)
	}
}

func (i *Ingestor) assignment(ctx context.Context, r domain.GPSReading) (*domain.Trip, *domain.Route) {
	if i.trips == nil {
		return nil, nil
	}
	trip, err := i.trips.ActiveTripForVehicle(ctx, r.VehicleID, r.Timestamp)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		i.logger.Error("active trip lookup failed", "vehicle_id", r.VehicleID, "error", err)
		return nil, nil
	}

	route, err := i.routes.GetRoute(ctx, trip.RouteID)
	if err != nil {
		i.logger.Error("route lookup failed", "trip_id", trip.ID, "route_id", trip.RouteID, "error", err)
		return trip, nil
	}
	return trip, route
}

func (i *Ingestor) poll(ctx context.Context) {
	start := time.Now()
	readings, err := i.source.Fetch(ctx)
	if err != nil {
		i.logger.Error("failed to fetch vehicle positions", "error", err)
		return
	}

	queued := 0
	for _, r := range readings {
		if err := i.Submit(ctx, r); err != nil {
			i.logger.Debug("reading rejected", "vehicle_id", r.VehicleID, "error", err)
			continue
		}
		queued++
	}

	if !i.IsReady() {
		i.setReady(true)
		i.logger.Info("ingestor ready", "vehicles", len(readings))
	}

	i.logger.Debug("poll completed",
		"readings", len(readings),
		"queued", queued,
		"total", i.vehicles.Count(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (i *Ingestor) prune() {
	deltas := i.vehicles.PruneStale()
	if len(deltas) > 0 {
		if i.broadcaster != nil {
			i.broadcaster.Broadcast(deltas)
		}
		i.logger.Info("pruned stale vehicles", "count", len(deltas))
	}
}

func (i *Ingestor) purge(ctx context.Context) {
	cutoff := i.clock.Now().Add(-i.opts.Retention)
	n, err := i.log.Purge(ctx, cutoff)
	if err != nil {
		i.logger.Error("failed to purge readings", "error", err)
		return
	}
	if n > 0 {
		i.logger.Info("purged gps readings", "count", n, "before", cutoff)
	}
}

func (i *Ingestor) rejected(reason string) {
	if i.metrics != nil {
		i.metrics.ReadingRejected(reason)
	}
}

// QueueDepth is the number of readings waiting across all shards.
func (i *Ingestor) QueueDepth() int {
	n := 0
	for _, s := range i.shards {
		n += len(s)
	}
	return n
}

func (i *Ingestor) Processed() int64 {
	return i.processed.Load()
}

func (i *Ingestor) IsReady() bool {
	i.readyMu.RLock()
	defer i.readyMu.RUnlock()
	return i.ready
}

func (i *Ingestor) setReady(ready bool) {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	i.ready = ready
}
