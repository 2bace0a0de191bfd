package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"busline/internal/domain"
	"busline/internal/geo"
)

// Repository keeps trips, routes, stops, bookings and deviations in
// memory. Reads return copies.
type Repository struct {
	mu         sync.RWMutex
	trips      map[string]*domain.Trip
	routes     map[string]*domain.Route
	stops      map[string]domain.Stop
	bookings   map[string]*domain.Booking
	deviations map[string][]*domain.Deviation
}

func NewRepository() *Repository {
	return &Repository{
		trips:      make(map[string]*domain.Trip),
		routes:     make(map[string]*domain.Route),
		stops:      make(map[string]domain.Stop),
		bookings:   make(map[string]*domain.Booking),
		deviations: make(map[string][]*domain.Deviation),
	}
}

func cloneTrip(t *domain.Trip) *domain.Trip {
	c := *t
	c.Seats = append([]domain.Seat(nil), t.Seats...)
	if t.RevisedArrival != nil {
		ra := *t.RevisedArrival
		c.RevisedArrival = &ra
	}
	return &c
}

func cloneRoute(r *domain.Route) *domain.Route {
	c := *r
	c.Stops = append([]domain.RouteStop(nil), r.Stops...)
	return &c
}

func cloneDeviation(d *domain.Deviation) *domain.Deviation {
	c := *d
	c.AlternateStops = append([]domain.AlternateStop(nil), d.AlternateStops...)
	return &c
}

// PutTrip validates and stores a trip. Seats without a status start
// Available.
func (r *Repository) PutTrip(_ context.Context, t *domain.Trip) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c := cloneTrip(t)
	for i := range c.Seats {
		if c.Seats[i].Status == "" {
			c.Seats[i].Status = domain.SeatAvailable
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips[c.ID] = c
	return nil
}

func (r *Repository) GetTrip(_ context.Context, id string) (*domain.Trip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, domain.ErrNotFound)
	}
	return cloneTrip(t), nil
}

func (r *Repository) SetSeatState(_ context.Context, tripID, seatID string, state domain.SeatState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[tripID]
	if !ok {
		return fmt.Errorf("trip %s: %w", tripID, domain.ErrNotFound)
	}
	for i := range t.Seats {
		if t.Seats[i].ID == seatID {
			t.Seats[i].Apply(state)
			return nil
		}
	}
	return fmt.Errorf("seat %s on trip %s: %w", seatID, tripID, domain.ErrNotFound)
}

// ActiveTripForVehicle returns the trip the vehicle is running at now.
func (r *Repository) ActiveTripForVehicle(_ context.Context, vehicleID string, now time.Time) (*domain.Trip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.trips {
		if t.VehicleID == vehicleID && t.InProgress(now) {
			return cloneTrip(t), nil
		}
	}
	return nil, fmt.Errorf("active trip for vehicle %s: %w", vehicleID, domain.ErrNotFound)
}

func (r *Repository) ReviseArrival(_ context.Context, tripID string, arrival time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[tripID]
	if !ok {
		return fmt.Errorf("trip %s: %w", tripID, domain.ErrNotFound)
	}
	t.RevisedArrival = &arrival
	return nil
}

// PutStop stores a stop. Once a route references the stop only its
// facilities and name may change.
func (r *Repository) PutStop(_ context.Context, s domain.Stop) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.stops[s.ID]; ok && old.Location != s.Location && r.stopReferenced(s.ID) {
		return fmt.Errorf("%w: stop %s is used by a route and cannot move", domain.ErrInvalidStop, s.ID)
	}
	s.Facilities = append([]string(nil), s.Facilities...)
	r.stops[s.ID] = s
	return nil
}

func (r *Repository) stopReferenced(id string) bool {
	for _, route := range r.routes {
		for _, rs := range route.Stops {
			if rs.StopID == id {
				return true
			}
		}
	}
	return false
}

func (r *Repository) GetStop(_ context.Context, id string) (domain.Stop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stops[id]
	if !ok {
		return domain.Stop{}, fmt.Errorf("stop %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (r *Repository) NearestStops(_ context.Context, pos geo.Coordinate, n int) ([]domain.Stop, error) {
	r.mu.RLock()
	all := make([]domain.Stop, 0, len(r.stops))
	for _, s := range r.stops {
		all = append(all, s)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return domain.NearestStops(all, pos, n), nil
}

// PutRoute resolves stop locations, normalizes and validates the route
// and derives its distance and time metrics.
func (r *Repository) PutRoute(_ context.Context, route *domain.Route) (*domain.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := cloneRoute(route)
	for i, rs := range c.Stops {
		s, ok := r.stops[rs.StopID]
		if !ok {
			return nil, fmt.Errorf("%w: route %s references unknown stop %s", domain.ErrInvalidRoute, c.ID, rs.StopID)
		}
		c.Stops[i].Location = s.Location
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	recalculated := domain.RecalculateRoute(*c)
	r.routes[c.ID] = &recalculated
	return cloneRoute(&recalculated), nil
}

func (r *Repository) GetRoute(_ context.Context, id string) (*domain.Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[id]
	if !ok {
		return nil, fmt.Errorf("route %s: %w", id, domain.ErrNotFound)
	}
	return cloneRoute(route), nil
}

func (r *Repository) ListRoutes(_ context.Context) ([]*domain.Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, cloneRoute(route))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) CreateBooking(_ context.Context, b *domain.Booking) error {
	if len(b.SeatIDs) == 0 {
		return domain.ErrNoSeats
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bookings[b.ID]; exists {
		return fmt.Errorf("%w: booking %s already exists", domain.ErrBookingState, b.ID)
	}
	r.bookings[b.ID] = b.Clone()
	return nil
}

func (r *Repository) GetBooking(_ context.Context, id string) (*domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	return b.Clone(), nil
}

func (r *Repository) OnSubmit(_ context.Context, b *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[b.ID]; !ok {
		return fmt.Errorf("booking %s: %w", b.ID, domain.ErrNotFound)
	}
	r.bookings[b.ID] = b.Clone()
	return nil
}

func (r *Repository) UpdateBookingStatus(_ context.Context, id string, status domain.BookingStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	b.Status = status
	switch status {
	case domain.BookingConfirmed:
		b.ConfirmedAt = &at
	case domain.BookingCancelled:
		b.CancelledAt = &at
	}
	return nil
}

// CreateIfNoneActive inserts d unless an active deviation on the same
// route overlaps d's window. The check and insert happen under one lock.
func (r *Repository) CreateIfNoneActive(_ context.Context, d *domain.Deviation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deviations[d.RouteID] {
		if existing.Status == domain.DeviationActive && existing.Overlaps(d.Start, d.End) {
			return false, nil
		}
	}
	r.deviations[d.RouteID] = append(r.deviations[d.RouteID], cloneDeviation(d))
	return true, nil
}

func (r *Repository) ActiveDeviation(_ context.Context, routeID string, now time.Time) (*domain.Deviation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.deviations[routeID] {
		if d.ActiveAt(now) {
			return cloneDeviation(d), nil
		}
	}
	return nil, fmt.Errorf("active deviation for route %s: %w", routeID, domain.ErrNotFound)
}

func (r *Repository) ResolveDeviation(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.deviations {
		for _, d := range list {
			if d.ID == id {
				d.Status = domain.DeviationResolved
				return nil
			}
		}
	}
	return fmt.Errorf("deviation %s: %w", id, domain.ErrNotFound)
}

func (r *Repository) ListDeviations(_ context.Context, routeID string) ([]*domain.Deviation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.deviations[routeID]
	out := make([]*domain.Deviation, len(list))
	for i, d := range list {
		out[i] = cloneDeviation(d)
	}
	return out, nil
}
