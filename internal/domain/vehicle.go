package domain

import "time"

// Vehicle is the latest known position of a tracked bus.
type Vehicle struct {
	Key       string    `json:"key"`
	TripID    string    `json:"tripId,omitempty"`
	RouteID   string    `json:"routeId,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	SpeedKmh  *float64  `json:"speedKmh,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TileID    string    `json:"tileId"`
	UpdatedAt time.Time `json:"updatedAt"`
	// OffRoute is set when the last reading lay beyond the deviation threshold.
	OffRoute bool `json:"offRoute,omitempty"`
}

func VehicleFromReading(r GPSReading) *Vehicle {
	return &Vehicle{
		Key:       r.VehicleID,
		Lat:       r.Position.Lat,
		Lon:       r.Position.Lon,
		SpeedKmh:  r.SpeedKmh,
		Bearing:   r.Bearing,
		Timestamp: r.Timestamp,
	}
}

// DeltaType indicates whether a vehicle was updated or removed
type DeltaType string

const (
	DeltaUpdate DeltaType = "update"
	DeltaRemove DeltaType = "remove"
)

// VehicleDelta represents a change in vehicle state
type VehicleDelta struct {
	Type    DeltaType `json:"type"`
	Vehicle *Vehicle  `json:"vehicle,omitempty"`
	Key     string    `json:"key,omitempty"`
	TileID  string    `json:"tileId"`
}

// BoundingBox represents a geographic rectangle
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

func (bb *BoundingBox) Contains(lat, lon float64) bool {
	return lat >= bb.MinLat && lat <= bb.MaxLat &&
		lon >= bb.MinLon && lon <= bb.MaxLon
}
