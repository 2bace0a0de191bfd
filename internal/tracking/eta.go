package tracking

import (
	"time"

	"busline/internal/domain"
	"busline/internal/geo"
)

const (
	// DeviationSpeedKmh models traffic on unplanned roads.
	DeviationSpeedKmh = 20.0
	// AlternateRouteSpeedKmh is used to compare an alternate route with the
	// scheduled one.
	AlternateRouteSpeedKmh = 25.0
	// UpcomingStopSpeedKmh drives ETAs computed from a live position.
	UpcomingStopSpeedKmh = 30.0
)

type Waypoint struct {
	StopID   string
	Sequence int
	Location geo.Coordinate
}

// Recompute walks the stops in order. The first stop is due at now; each
// later stop adds its cumulative travel time at speedKmh plus one dwell
// per segment.
func Recompute(stops []Waypoint, speedKmh float64, dwell time.Duration, now time.Time) []domain.StopETA {
	if len(stops) == 0 || speedKmh <= 0 {
		return nil
	}

	out := make([]domain.StopETA, len(stops))
	var cumulative float64
	for i, s := range stops {
		if i > 0 {
			cumulative += geo.DistanceKm(stops[i-1].Location, s.Location)
		}
		elapsed := domain.TravelTime(cumulative, speedKmh) + time.Duration(i)*dwell
		out[i] = domain.StopETA{
			StopID:     s.StopID,
			Sequence:   s.Sequence,
			DistanceKm: cumulative,
			ETA:        now.Add(elapsed),
		}
	}
	return out
}

func routeWaypoints(route domain.Route) []Waypoint {
	out := make([]Waypoint, len(route.Stops))
	for i, s := range route.Stops {
		out[i] = Waypoint{StopID: s.StopID, Sequence: s.Sequence, Location: s.Location}
	}
	return out
}

func alternateWaypoints(d domain.Deviation) []Waypoint {
	out := make([]Waypoint, len(d.AlternateStops))
	for i, s := range d.AlternateStops {
		out[i] = Waypoint{StopID: s.StopID, Sequence: s.Sequence, Location: s.Location}
	}
	return out
}

// RouteETAs uses the route class speed and dwell time.
func RouteETAs(route domain.Route, now time.Time) []domain.StopETA {
	return Recompute(routeWaypoints(route), route.Class.AverageSpeedKmh(), route.Class.DwellTime(), now)
}

// AlternateETAs estimates arrival at a deviation's alternate stops.
func AlternateETAs(d domain.Deviation, now time.Time) []domain.StopETA {
	return Recompute(alternateWaypoints(d), DeviationSpeedKmh, 0, now)
}

// ETAsFromPosition estimates arrival at the stop nearest to current and
// every stop after it.
func ETAsFromPosition(route domain.Route, current geo.Coordinate, speedKmh float64, now time.Time) []domain.StopETA {
	coords := route.Coordinates()
	idx := geo.NearestIndex(coords, current)
	if idx < 0 {
		return nil
	}

	path := make([]Waypoint, 0, len(route.Stops)-idx+1)
	path = append(path, Waypoint{Location: current})
	path = append(path, routeWaypoints(route)[idx:]...)

	etas := Recompute(path, speedKmh, 0, now)
	if len(etas) < 2 {
		return nil
	}
	return etas[1:]
}

// AlternateRouteDelay is how much longer the alternate stops take at
// AlternateRouteSpeedKmh than the route's estimated time. It is never
// negative.
func AlternateRouteDelay(route domain.Route, d domain.Deviation) time.Duration {
	var km float64
	for _, seg := range geo.SegmentDistances(d.Coordinates()) {
		km += seg
	}
	delay := domain.TravelTime(km, AlternateRouteSpeedKmh) - route.EstimatedTime
	if delay < 0 {
		return 0
	}
	return delay
}
