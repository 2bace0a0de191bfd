package tracking

import (
	"time"

	"busline/internal/domain"
	"busline/internal/geo"
)

// ExpectedPosition is where the trip's vehicle should be at now if it
// moved along the route at a constant pace between departure and arrival.
// It reports false when the route has fewer than two stops, zero length,
// or the trip has no positive scheduled duration.
func ExpectedPosition(trip domain.Trip, route domain.Route, now time.Time) (geo.Coordinate, bool) {
	if len(route.Stops) < 2 {
		return geo.Coordinate{}, false
	}
	progress, ok := trip.Progress(now)
	if !ok {
		return geo.Coordinate{}, false
	}
	return geo.PointAlong(route.Coordinates(), progress)
}
