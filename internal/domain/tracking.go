package domain

import (
	"time"

	"busline/internal/geo"
)

// GPSReading is one position report from a vehicle. Readings are
// append-only.
type GPSReading struct {
	VehicleID string         `json:"vehicleId"`
	Position  geo.Coordinate `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
	SpeedKmh  *float64       `json:"speedKmh,omitempty"`
	Bearing   *float64       `json:"bearing,omitempty"`
}

type DeviationStatus string

const (
	DeviationActive   DeviationStatus = "active"
	DeviationResolved DeviationStatus = "resolved"
)

type AlternateStop struct {
	StopID     string         `json:"stopId"`
	Sequence   int            `json:"sequence"`
	Location   geo.Coordinate `json:"location"`
	DistanceKm float64        `json:"distanceKm"`
}

// Deviation records a vehicle observed off its route. At most one active
// deviation may cover a route at any instant.
type Deviation struct {
	ID             string          `json:"id"`
	RouteID        string          `json:"routeId"`
	TripID         string          `json:"tripId"`
	VehicleID      string          `json:"vehicleId"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	Status         DeviationStatus `json:"status"`
	Reason         string          `json:"reason"`
	Description    string          `json:"description,omitempty"`
	OffsetKm       float64         `json:"offsetKm"`
	Observed       geo.Coordinate  `json:"observed"`
	Expected       geo.Coordinate  `json:"expected"`
	AlternateStops []AlternateStop `json:"alternateStops"`
}

func (d Deviation) ActiveAt(now time.Time) bool {
	return d.Status == DeviationActive && !now.Before(d.Start) && now.Before(d.End)
}

// Overlaps reports whether two deviation windows share any instant.
func (d Deviation) Overlaps(start, end time.Time) bool {
	return d.Start.Before(end) && start.Before(d.End)
}

func (d Deviation) Coordinates() []geo.Coordinate {
	out := make([]geo.Coordinate, len(d.AlternateStops))
	for i, s := range d.AlternateStops {
		out[i] = s.Location
	}
	return out
}

// StopETA is the estimated arrival at one stop.
type StopETA struct {
	StopID     string    `json:"stopId"`
	Sequence   int       `json:"sequence"`
	DistanceKm float64   `json:"distanceKm"`
	ETA        time.Time `json:"eta"`
}
