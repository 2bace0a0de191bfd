package domain

import (
	"fmt"
	"math"
	"sort"
	"time"

	"busline/internal/geo"
)

// RouteClass selects the average speed and dwell time used for route metrics.
type RouteClass string

const (
	RouteClassUrban    RouteClass = "urban"
	RouteClassSuburban RouteClass = "suburban"
	RouteClassHighway  RouteClass = "highway"
	RouteClassExpress  RouteClass = "express"
)

// AverageSpeedKmh falls back to 30 km/h for unknown classes.
func (c RouteClass) AverageSpeedKmh() float64 {
	switch c {
	case RouteClassUrban:
		return 20
	case RouteClassSuburban:
		return 35
	case RouteClassHighway:
		return 60
	case RouteClassExpress:
		return 70
	default:
		return 30
	}
}

// DwellTime is the stop time added to every segment; 2 minutes for unknown classes.
func (c RouteClass) DwellTime() time.Duration {
	switch c {
	case RouteClassUrban:
		return 2 * time.Minute
	case RouteClassSuburban:
		return 1 * time.Minute
	case RouteClassHighway:
		return 3 * time.Minute
	case RouteClassExpress:
		return 5 * time.Minute
	default:
		return 2 * time.Minute
	}
}

// Stop is a physical bus stop.
type Stop struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Location   geo.Coordinate `json:"location"`
	Active     bool           `json:"active"`
	Facilities []string       `json:"facilities,omitempty"`
}

func (s Stop) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidStop)
	}
	if err := s.Location.Validate(); err != nil {
		return fmt.Errorf("stop %s: %w", s.ID, err)
	}
	seen := make(map[string]struct{}, len(s.Facilities))
	for _, f := range s.Facilities {
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: stop %s lists facility %q twice", ErrInvalidStop, s.ID, f)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// RouteStop is one ordered stop on a route. Location is denormalized from
// the referenced Stop so the position model can work from the route alone.
type RouteStop struct {
	StopID                 string         `json:"stopId"`
	Sequence               int            `json:"sequence"`
	Location               geo.Coordinate `json:"location"`
	PickupOnly             bool           `json:"pickupOnly,omitempty"`
	DropoffOnly            bool           `json:"dropoffOnly,omitempty"`
	DistanceFromPreviousKm float64        `json:"distanceFromPreviousKm"`
	TimeFromPrevious       time.Duration  `json:"timeFromPrevious"`
}

type Route struct {
	ID            string        `json:"id"`
	Number        string        `json:"number"`
	Name          string        `json:"name"`
	Class         RouteClass    `json:"class"`
	Circular      bool          `json:"circular"`
	Active        bool          `json:"active"`
	Stops         []RouteStop   `json:"stops"`
	DistanceKm    float64       `json:"distanceKm"`
	EstimatedTime time.Duration `json:"estimatedTime"`
}

// Coordinates returns the stop locations in sequence order.
func (r Route) Coordinates() []geo.Coordinate {
	out := make([]geo.Coordinate, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = s.Location
	}
	return out
}

// Normalize sorts stops by sequence and renumbers them 1..n.
func (r *Route) Normalize() {
	sort.SliceStable(r.Stops, func(i, j int) bool {
		return r.Stops[i].Sequence < r.Stops[j].Sequence
	})
	for i := range r.Stops {
		r.Stops[i].Sequence = i + 1
	}
}

func (r Route) Validate() error {
	if len(r.Stops) < 2 {
		return fmt.Errorf("%w: route %s needs at least two stops", ErrInvalidRoute, r.ID)
	}

	seen := make(map[int]struct{}, len(r.Stops))
	for i, s := range r.Stops {
		if _, dup := seen[s.Sequence]; dup {
			return fmt.Errorf("%w: route %s has duplicate sequence %d", ErrInvalidRoute, r.ID, s.Sequence)
		}
		seen[s.Sequence] = struct{}{}
		if s.Sequence != i+1 {
			return fmt.Errorf("%w: route %s sequence %d at position %d is not contiguous", ErrInvalidRoute, r.ID, s.Sequence, i+1)
		}
		if err := s.Location.Validate(); err != nil {
			return fmt.Errorf("route %s stop %s: %w", r.ID, s.StopID, err)
		}
	}

	if r.Stops[0].DropoffOnly {
		return fmt.Errorf("%w: first stop of route %s cannot be drop-off only", ErrInvalidRoute, r.ID)
	}
	if r.Stops[len(r.Stops)-1].PickupOnly {
		return fmt.Errorf("%w: last stop of route %s cannot be pickup only", ErrInvalidRoute, r.ID)
	}
	return nil
}

// RecalculateRoute derives per-segment distance and time and the route
// totals from the stop locations. Circular routes add the leg from the
// last stop back to the first, without dwell.
func RecalculateRoute(r Route) Route {
	out := r
	out.Stops = make([]RouteStop, len(r.Stops))
	copy(out.Stops, r.Stops)

	speed := r.Class.AverageSpeedKmh()
	dwell := r.Class.DwellTime()

	var totalKm float64
	var totalTime time.Duration
	for i := range out.Stops {
		if i == 0 {
			out.Stops[i].DistanceFromPreviousKm = 0
			out.Stops[i].TimeFromPrevious = 0
			continue
		}
		d := geo.DistanceKm(out.Stops[i-1].Location, out.Stops[i].Location)
		t := TravelTime(d, speed) + dwell
		out.Stops[i].DistanceFromPreviousKm = d
		out.Stops[i].TimeFromPrevious = t
		totalKm += d
		totalTime += t
	}

	if r.Circular && len(out.Stops) > 1 {
		back := geo.DistanceKm(out.Stops[len(out.Stops)-1].Location, out.Stops[0].Location)
		totalKm += back
		totalTime += TravelTime(back, speed)
	}

	out.DistanceKm = totalKm
	out.EstimatedTime = totalTime
	return out
}

// TravelTime converts a distance at a constant speed into a duration,
// rounded to the second.
func TravelTime(distanceKm, speedKmh float64) time.Duration {
	if speedKmh <= 0 || distanceKm <= 0 {
		return 0
	}
	seconds := distanceKm / speedKmh * 3600
	return time.Duration(math.Round(seconds)) * time.Second
}

// NearestStops returns up to n active stops ordered by distance from pos.
func NearestStops(stops []Stop, pos geo.Coordinate, n int) []Stop {
	type ranked struct {
		stop Stop
		dist float64
	}
	candidates := make([]ranked, 0, len(stops))
	for _, s := range stops {
		if !s.Active {
			continue
		}
		candidates = append(candidates, ranked{stop: s, dist: geo.DistanceKm(pos, s.Location)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})
	if n >= 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]Stop, len(candidates))
	for i, c := range candidates {
		out[i] = c.stop
	}
	return out
}
