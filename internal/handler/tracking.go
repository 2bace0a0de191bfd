package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"busline/internal/clock"
	"busline/internal/domain"
	"busline/internal/geo"
	"busline/internal/store"
	"busline/internal/tracking"
)

type ReadingSubmitter interface {
	Submit(ctx context.Context, r domain.GPSReading) error
}

type TripReader interface {
	GetTrip(ctx context.Context, id string) (*domain.Trip, error)
}

type RouteReader interface {
	GetRoute(ctx context.Context, id string) (*domain.Route, error)
}

type DeviationReader interface {
	ActiveDeviation(ctx context.Context, routeID string, now time.Time) (*domain.Deviation, error)
}

type TrackingHandler struct {
	readings   ReadingSubmitter
	trips      TripReader
	routes     RouteReader
	deviations DeviationReader
	vehicles   *store.Store
	clock      clock.Clock
}

func NewTrackingHandler(readings ReadingSubmitter, trips TripReader, routes RouteReader, deviations DeviationReader, vehicles *store.Store, clk clock.Clock) *TrackingHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TrackingHandler{
		readings:   readings,
		trips:      trips,
		routes:     routes,
		deviations: deviations,
		vehicles:   vehicles,
		clock:      clk,
	}
}

type GPSRequest struct {
	VehicleID string     `json:"vehicleId" validate:"required,max=64"`
	Lat       *float64   `json:"lat" validate:"required"`
	Lon       *float64   `json:"lon" validate:"required"`
	Timestamp *time.Time `json:"timestamp"`
	SpeedKmh  *float64   `json:"speedKmh" validate:"omitempty,gte=0"`
	Bearing   *float64   `json:"bearing" validate:"omitempty,gte=0,lt=360"`
}

type PositionResponse struct {
	TripID   string          `json:"tripId"`
	RouteID  string          `json:"routeId"`
	At       time.Time       `json:"at"`
	Progress float64         `json:"progress"`
	Expected geo.Coordinate  `json:"expected"`
	Vehicle  *domain.Vehicle `json:"vehicle,omitempty"`
	OffsetKm *float64        `json:"offsetKm,omitempty"`
}

type ETAResponse struct {
	TripID         string           `json:"tripId"`
	Source         string           `json:"source"`
	Stops          []domain.StopETA `json:"stops"`
	Arrival        time.Time        `json:"arrival"`
	RevisedArrival *time.Time       `json:"revisedArrival,omitempty"`
	Deviation      *DeviationView   `json:"deviation,omitempty"`
}

type DeviationView struct {
	Deviation     domain.Deviation `json:"deviation"`
	AlternateETAs []domain.StopETA `json:"alternateEtas"`
	DelaySeconds  float64          `json:"delaySeconds"`
}

// PostReading accepts a single GPS reading and queues it for ingestion.
func (h *TrackingHandler) PostReading(w http.ResponseWriter, r *http.Request) {
	var req GPSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reading := domain.GPSReading{
		VehicleID: req.VehicleID,
		Position:  geo.Coordinate{Lat: *req.Lat, Lon: *req.Lon},
		SpeedKmh:  req.SpeedKmh,
		Bearing:   req.Bearing,
	}
	if req.Timestamp != nil {
		reading.Timestamp = req.Timestamp.UTC()
	}

	if err := h.readings.Submit(r.Context(), reading); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *TrackingHandler) tripAndRoute(ctx context.Context, tripID string) (*domain.Trip, *domain.Route, error) {
	trip, err := h.trips.GetTrip(ctx, tripID)
	if err != nil {
		return nil, nil, err
	}
	route, err := h.routes.GetRoute(ctx, trip.RouteID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, domain.ErrRouteUndefined
	}
	if err != nil {
		return nil, nil, err
	}
	return trip, route, nil
}

func (h *TrackingHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	trip, route, err := h.tripAndRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	now := h.clock.Now()
	expected, ok := tracking.ExpectedPosition(*trip, *route, now)
	if !ok {
		respondDomainError(w, domain.ErrRouteUndefined)
		return
	}
	progress, _ := trip.Progress(now)

	resp := PositionResponse{
		TripID:   trip.ID,
		RouteID:  route.ID,
		At:       now,
		Progress: progress,
		Expected: expected,
	}
	if v, ok := h.vehicles.ForTrip(trip.ID); ok {
		offset := geo.DistanceKm(geo.Coordinate{Lat: v.Lat, Lon: v.Lon}, expected)
		resp.Vehicle = v
		resp.OffsetKm = &offset
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetETA estimates stop arrivals from the live vehicle when one reports
// for the trip, otherwise from the schedule.
func (h *TrackingHandler) GetETA(w http.ResponseWriter, r *http.Request) {
	trip, route, err := h.tripAndRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	now := h.clock.Now()
	resp := ETAResponse{
		TripID:         trip.ID,
		Arrival:        trip.Arrival,
		RevisedArrival: trip.RevisedArrival,
	}

	if v, ok := h.vehicles.ForTrip(trip.ID); ok {
		speed := tracking.UpcomingStopSpeedKmh
		if v.SpeedKmh != nil && *v.SpeedKmh > 0 {
			speed = *v.SpeedKmh
		}
		resp.Source = "live"
		resp.Stops = tracking.ETAsFromPosition(*route, geo.Coordinate{Lat: v.Lat, Lon: v.Lon}, speed, now)
	} else {
		resp.Source = "schedule"
		resp.Stops = tracking.RouteETAs(*route, trip.Departure)
	}

	view, err := h.activeDeviation(r.Context(), *route, now)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	resp.Deviation = view

	respondJSON(w, http.StatusOK, resp)
}

func (h *TrackingHandler) GetRouteDeviation(w http.ResponseWriter, r *http.Request) {
	route, err := h.routes.GetRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	view, err := h.activeDeviation(r.Context(), *route, h.clock.Now())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if view == nil {
		respondError(w, http.StatusNotFound, "no active deviation")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *TrackingHandler) activeDeviation(ctx context.Context, route domain.Route, now time.Time) (*DeviationView, error) {
	d, err := h.deviations.ActiveDeviation(ctx, route.ID, now)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &DeviationView{
		Deviation:     *d,
		AlternateETAs: tracking.AlternateETAs(*d, now),
		DelaySeconds:  tracking.AlternateRouteDelay(route, *d).Seconds(),
	}, nil
}
