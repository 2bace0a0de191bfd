package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"busline/internal/domain"
	"busline/internal/geo"
)

const (
	DeviationThresholdKm = 0.5
	DeviationWindow      = time.Hour
	AlternateStopCount   = 3
)

type StopFinder interface {
	NearestStops(ctx context.Context, pos geo.Coordinate, n int) ([]domain.Stop, error)
}

// DeviationStore must make CreateIfNoneActive a compare-and-swap: it
// returns false when an active deviation already covers d.Start.
type DeviationStore interface {
	ActiveDeviation(ctx context.Context, routeID string, now time.Time) (*domain.Deviation, error)
	CreateIfNoneActive(ctx context.Context, d *domain.Deviation) (bool, error)
}

type AlertIssuer interface {
	OpenDeviationAlert(ctx context.Context, d domain.Deviation, trip domain.Trip, route domain.Route) error
	NotifyPassengers(ctx context.Context, tripID, message string) error
}

type ArrivalReviser interface {
	ReviseArrival(ctx context.Context, tripID string, arrival time.Time) error
}

type Metrics interface {
	DeviationOpened()
	DeviationSuppressed()
}

// Opened is the result of an evaluation that created a deviation.
type Opened struct {
	Deviation      domain.Deviation `json:"deviation"`
	ETAs           []domain.StopETA `json:"etas"`
	RevisedArrival time.Time        `json:"revisedArrival"`
	Delay          time.Duration    `json:"delay"`
}

type Detector struct {
	stops      StopFinder
	deviations DeviationStore
	alerts     AlertIssuer
	reviser    ArrivalReviser
	metrics    Metrics
	logger     *slog.Logger
}

func NewDetector(stops StopFinder, deviations DeviationStore, alerts AlertIssuer, logger *slog.Logger) *Detector {
	return &Detector{
		stops:      stops,
		deviations: deviations,
		alerts:     alerts,
		logger:     logger.With("component", "deviation_detector"),
	}
}

func (d *Detector) SetArrivalReviser(r ArrivalReviser) {
	d.reviser = r
}

func (d *Detector) SetMetrics(m Metrics) {
	d.metrics = m
}

// Evaluate opens a deviation when the vehicle is more than
// DeviationThresholdKm from where the schedule puts it and the route has
// no active deviation. It returns nil when nothing was opened. Alert
// failures are logged and never returned.
func (d *Detector) Evaluate(ctx context.Context, vehicleID string, actual geo.Coordinate, route domain.Route, trip domain.Trip, now time.Time) (*Opened, error) {
	if err := actual.Validate(); err != nil {
		return nil, err
	}

	expected, ok := ExpectedPosition(trip, route, now)
	if !ok {
		d.logger.Debug("deviation check skipped",
			"route_id", route.ID,
			"trip_id", trip.ID,
			"reason", domain.ErrRouteUndefined.Error(),
		)
		return nil, nil
	}

	offset := geo.DistanceKm(actual, expected)
	if offset <= DeviationThresholdKm {
		return nil, nil
	}

	existing, err := d.deviations.ActiveDeviation(ctx, route.ID, now)
	switch {
	case err == nil:
		d.suppressed(route.ID, existing.ID, vehicleID)
		return nil, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("active deviation lookup: %w", err)
	}

	nearest, err := d.stops.NearestStops(ctx, actual, AlternateStopCount)
	if err != nil {
		return nil, fmt.Errorf("nearest stops: %w", err)
	}

	dev := domain.Deviation{
		ID:          uuid.NewString(),
		RouteID:     route.ID,
		TripID:      trip.ID,
		VehicleID:   vehicleID,
		Start:       now,
		End:         now.Add(DeviationWindow),
		Status:      domain.DeviationActive,
		Reason:      "Traffic",
		Description: fmt.Sprintf("Automatic deviation detection: %.2fkm off route", offset),
		OffsetKm:    offset,
		Observed:    actual,
		Expected:    expected,
	}
	for i, s := range nearest {
		dev.AlternateStops = append(dev.AlternateStops, domain.AlternateStop{
			StopID:     s.ID,
			Sequence:   i + 1,
			Location:   s.Location,
			DistanceKm: geo.DistanceKm(actual, s.Location),
		})
	}

	created, err := d.deviations.CreateIfNoneActive(ctx, &dev)
	if err != nil {
		return nil, fmt.Errorf("create deviation: %w", err)
	}
	if !created {
		d.suppressed(route.ID, "", vehicleID)
		return nil, nil
	}

	if d.metrics != nil {
		d.metrics.DeviationOpened()
	}
	d.logger.Info("deviation opened",
		"deviation_id", dev.ID,
		"route_id", route.ID,
		"trip_id", trip.ID,
		"vehicle_id", vehicleID,
		"offset_km", offset,
		"alternate_stops", len(dev.AlternateStops),
	)

	opened := &Opened{
		Deviation: dev,
		ETAs:      AlternateETAs(dev, now),
		Delay:     AlternateRouteDelay(route, dev),
	}
	opened.RevisedArrival = now
	if n := len(opened.ETAs); n > 0 {
		opened.RevisedArrival = opened.ETAs[n-1].ETA
	}

	d.sideEffects(ctx, opened, trip, route)
	return opened, nil
}

func (d *Detector) sideEffects(ctx context.Context, o *Opened, trip domain.Trip, route domain.Route) {
	if d.reviser != nil {
		if err := d.reviser.ReviseArrival(ctx, trip.ID, o.RevisedArrival); err != nil {
			d.logger.Error("failed to revise trip arrival", "trip_id", trip.ID, "error", err)
		}
	}

	if d.alerts == nil {
		return
	}
	if err := d.alerts.OpenDeviationAlert(ctx, o.Deviation, trip, route); err != nil {
		d.logger.Error("deviation alert failed", "deviation_id", o.Deviation.ID, "route_id", route.ID, "error", err)
	}

	msg := fmt.Sprintf(
		"Your bus has deviated from the planned route due to traffic conditions. New estimated arrival: %s.",
		o.RevisedArrival.Format("15:04"),
	)
	if err := d.alerts.NotifyPassengers(ctx, trip.ID, msg); err != nil {
		d.logger.Error("passenger notification failed", "trip_id", trip.ID, "error", err)
	}
}

func (d *Detector) suppressed(routeID, deviationID, vehicleID string) {
	if d.metrics != nil {
		d.metrics.DeviationSuppressed()
	}
	d.logger.Debug("deviation suppressed",
		"route_id", routeID,
		"active_deviation_id", deviationID,
		"vehicle_id", vehicleID,
		"reason", domain.ErrDuplicateActiveDeviation.Error(),
	)
}
