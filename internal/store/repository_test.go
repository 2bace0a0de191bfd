package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"busline/internal/domain"
	"busline/internal/geo"
)

func seedRouteStops(t *testing.T, r *Repository) {
	t.Helper()
	for _, s := range []domain.Stop{
		{ID: "A", Location: geo.Coordinate{Lat: 52.20, Lon: 21.00}, Active: true},
		{ID: "B", Location: geo.Coordinate{Lat: 52.25, Lon: 21.05}, Active: true},
		{ID: "C", Location: geo.Coordinate{Lat: 52.30, Lon: 21.10}, Active: true},
	} {
		if err := r.PutStop(context.Background(), s); err != nil {
			t.Fatalf("put stop %s: %v", s.ID, err)
		}
	}
}

func TestPutRouteResolvesAndNormalizes(t *testing.T) {
	ctx := context.Background()
	r := NewRepository()
	seedRouteStops(t, r)

	saved, err := r.PutRoute(ctx, &domain.Route{
		ID:    "R1",
		Class: domain.RouteClassSuburban,
		Stops: []domain.RouteStop{
			{StopID: "C", Sequence: 30},
			{StopID: "A", Sequence: 10},
			{StopID: "B", Sequence: 20},
		},
	})
	if err != nil {
		t.Fatalf("put route: %v", err)
	}
	for i, want := range []string{"A", "B", "C"} {
		if saved.Stops[i].StopID != want || saved.Stops[i].Sequence != i+1 {
			t.Fatalf("stop %d = %+v, want %s", i, saved.Stops[i], want)
		}
	}
	if saved.Stops[0].Location.Lat != 52.20 {
		t.Fatalf("location not resolved: %+v", saved.Stops[0].Location)
	}
	if saved.DistanceKm <= 0 || saved.EstimatedTime <= 0 {
		t.Fatalf("route metrics not derived: %+v", saved)
	}

	_, err = r.PutRoute(ctx, &domain.Route{ID: "R2", Stops: []domain.RouteStop{{StopID: "A", Sequence: 1}, {StopID: "Z", Sequence: 2}}})
	if !errors.Is(err, domain.ErrInvalidRoute) {
		t.Fatalf("unknown stop error = %v", err)
	}

	err = r.PutStop(ctx, domain.Stop{ID: "A", Location: geo.Coordinate{Lat: 50, Lon: 19}, Active: true})
	if !errors.Is(err, domain.ErrInvalidStop) {
		t.Fatalf("moving a referenced stop = %v, want ErrInvalidStop", err)
	}
	if err := r.PutStop(ctx, domain.Stop{ID: "A", Name: "Centrum", Location: geo.Coordinate{Lat: 52.20, Lon: 21.00}, Active: true}); err != nil {
		t.Fatalf("renaming a referenced stop: %v", err)
	}
}

func TestTripSeatState(t *testing.T) {
	ctx := context.Background()
	r := NewRepository()
	dep := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	trip := &domain.Trip{
		ID: "T1", RouteID: "R1", VehicleID: "V1",
		Departure: dep, Arrival: dep.Add(time.Hour),
		Seats: []domain.Seat{{ID: "R1A", Side: domain.SeatSideRight, Row: "1", Column: "A"}},
	}
	if err := r.PutTrip(ctx, trip); err != nil {
		t.Fatalf("put trip: %v", err)
	}

	got, _ := r.GetTrip(ctx, "T1")
	if got.Seats[0].Status != domain.SeatAvailable {
		t.Fatalf("default status = %q", got.Seats[0].Status)
	}
	got.Seats[0].Status = domain.SeatBooked
	again, _ := r.GetTrip(ctx, "T1")
	if again.Seats[0].Status != domain.SeatAvailable {
		t.Fatal("GetTrip must return a copy")
	}

	if err := r.SetSeatState(ctx, "T1", "R1A", domain.BookedState("B1")); err != nil {
		t.Fatalf("set seat state: %v", err)
	}
	again, _ = r.GetTrip(ctx, "T1")
	if again.Seats[0].Status != domain.SeatBooked || again.Seats[0].BookingID != "B1" {
		t.Fatalf("seat = %+v", again.Seats[0])
	}
	if err := r.SetSeatState(ctx, "T1", "L9", domain.AvailableState()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown seat = %v", err)
	}

	active, err := r.ActiveTripForVehicle(ctx, "V1", dep.Add(10*time.Minute))
	if err != nil || active.ID != "T1" {
		t.Fatalf("ActiveTripForVehicle() = %+v, %v", active, err)
	}
	if _, err := r.ActiveTripForVehicle(ctx, "V1", dep.Add(time.Hour)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("trip at arrival should not be active: %v", err)
	}
}

func TestCreateIfNoneActive(t *testing.T) {
	ctx := context.Background()
	r := NewRepository()
	start := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.CreateIfNoneActive(ctx, &domain.Deviation{
				ID: "D", RouteID: "R1", Status: domain.DeviationActive,
				Start: start, End: start.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("create: %v", err)
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("created %d, want 1", created)
	}

	if err := r.ResolveDeviation(ctx, "D"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.ActiveDeviation(ctx, "R1", start); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("resolved deviation still active: %v", err)
	}
	ok, _ := r.CreateIfNoneActive(ctx, &domain.Deviation{
		ID: "D2", RouteID: "R1", Status: domain.DeviationActive,
		Start: start.Add(time.Minute), End: start.Add(time.Hour),
	})
	if !ok {
		t.Fatal("a new deviation should open once the old one is resolved")
	}
}

func TestCreateIfNoneActiveRejectsOverlappingWindow(t *testing.T) {
	ctx := context.Background()
	r := NewRepository()
	start := time.Date(2026, 7, 1, 10, 40, 0, 0, time.UTC)

	ok, err := r.CreateIfNoneActive(ctx, &domain.Deviation{
		ID: "LATE", RouteID: "R1", Status: domain.DeviationActive,
		Start: start, End: start.Add(time.Hour),
	})
	if err != nil || !ok {
		t.Fatalf("first create = %v, %v", ok, err)
	}

	tests := []struct {
		name  string
		start time.Time
		want  bool
	}{
		{"earlier start overlapping", start.Add(-10 * time.Minute), false},
		{"inside window", start.Add(30 * time.Minute), false},
		{"ends exactly at start", start.Add(-time.Hour), true},
		{"starts exactly at end", start.Add(time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRepository()
			if _, err := r.CreateIfNoneActive(ctx, &domain.Deviation{
				ID: "LATE", RouteID: "R1", Status: domain.DeviationActive,
				Start: start, End: start.Add(time.Hour),
			}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			ok, err := r.CreateIfNoneActive(ctx, &domain.Deviation{
				ID: "NEW", RouteID: "R1", Status: domain.DeviationActive,
				Start: tt.start, End: tt.start.Add(time.Hour),
			})
			if err != nil || ok != tt.want {
				t.Fatalf("create = %v, %v, want %v", ok, err, tt.want)
			}
		})
	}

	other, err := r.CreateIfNoneActive(ctx, &domain.Deviation{
		ID: "OTHER", RouteID: "R2", Status: domain.DeviationActive,
		Start: start.Add(-10 * time.Minute), End: start.Add(50 * time.Minute),
	})
	if err != nil || !other {
		t.Fatalf("a deviation on another route should open, got %v, %v", other, err)
	}
}

func TestBookingStatus(t *testing.T) {
	ctx := context.Background()
	r := NewRepository()
	if err := r.CreateBooking(ctx, &domain.Booking{ID: "B1"}); !errors.Is(err, domain.ErrNoSeats) {
		t.Fatalf("empty booking = %v", err)
	}
	if err := r.CreateBooking(ctx, &domain.Booking{ID: "B1", SeatIDs: []string{"R1A"}, Status: domain.BookingPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.CreateBooking(ctx, &domain.Booking{ID: "B1", SeatIDs: []string{"R1A"}}); !errors.Is(err, domain.ErrBookingState) {
		t.Fatalf("duplicate = %v", err)
	}

	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	if err := r.UpdateBookingStatus(ctx, "B1", domain.BookingCancelled, at); err != nil {
		t.Fatalf("update: %v", err)
	}
	b, _ := r.GetBooking(ctx, "B1")
	if b.Status != domain.BookingCancelled || b.CancelledAt == nil || !b.CancelledAt.Equal(at) {
		t.Fatalf("booking = %+v", b)
	}
}
