package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"busline/internal/domain"
	"busline/internal/geo"
	"busline/internal/store"
)

var dep = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

// kmPerDegree is the haversine length of one degree along the equator.
var kmPerDegree = geo.DistanceKm(geo.Coordinate{}, geo.Coordinate{Lon: 1})

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tenKmRoute has two stops 10 km apart along the equator.
func tenKmRoute() domain.Route {
	r := domain.Route{
		ID:    "RT1",
		Class: domain.RouteClassUrban,
		Stops: []domain.RouteStop{
			{StopID: "A", Sequence: 1, Location: geo.Coordinate{Lat: 0, Lon: 0}},
			{StopID: "B", Sequence: 2, Location: geo.Coordinate{Lat: 0, Lon: 10 / kmPerDegree}},
		},
	}
	return domain.RecalculateRoute(r)
}

func hourTrip() domain.Trip {
	return domain.Trip{ID: "T1", RouteID: "RT1", VehicleID: "V1", Departure: dep, Arrival: dep.Add(time.Hour)}
}

func near(a, b geo.Coordinate) bool {
	return math.Abs(a.Lat-b.Lat) < 1e-9 && math.Abs(a.Lon-b.Lon) < 1e-9
}

func TestExpectedPositionMidpoint(t *testing.T) {
	route := tenKmRoute()
	pos, ok := ExpectedPosition(hourTrip(), route, dep.Add(30*time.Minute))
	if !ok {
		t.Fatal("expected a position")
	}
	mid := geo.Interpolate(route.Stops[0].Location, route.Stops[1].Location, 0.5)
	if d := geo.DistanceKm(pos, mid); d > 0.001 {
		t.Fatalf("position %+v is %.4f km from the midpoint", pos, d)
	}
}

func TestExpectedPositionEndpoints(t *testing.T) {
	route := tenKmRoute()
	trip := hourTrip()

	tests := []struct {
		name string
		at   time.Time
		want geo.Coordinate
	}{
		{"departure", dep, route.Stops[0].Location},
		{"before departure clamps", dep.Add(-time.Hour), route.Stops[0].Location},
		{"arrival", dep.Add(time.Hour), route.Stops[1].Location},
		{"after arrival clamps", dep.Add(3 * time.Hour), route.Stops[1].Location},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExpectedPosition(trip, route, tt.at)
			if !ok || !near(got, tt.want) {
				t.Fatalf("ExpectedPosition() = %+v, %v, want %+v", got, ok, tt.want)
			}
		})
	}
}

func TestExpectedPositionUndefined(t *testing.T) {
	route := tenKmRoute()
	trip := hourTrip()

	short := route
	short.Stops = route.Stops[:1]
	if _, ok := ExpectedPosition(trip, short, dep); ok {
		t.Fatal("single stop route must not yield a position")
	}

	zero := trip
	zero.Arrival = zero.Departure
	if _, ok := ExpectedPosition(zero, route, dep); ok {
		t.Fatal("zero duration trip must not yield a position")
	}
}

func TestRecompute(t *testing.T) {
	stops := []Waypoint{
		{StopID: "A", Sequence: 1, Location: geo.Coordinate{}},
		{StopID: "B", Sequence: 2, Location: geo.Coordinate{Lon: 10 / kmPerDegree}},
		{StopID: "C", Sequence: 3, Location: geo.Coordinate{Lon: 20 / kmPerDegree}},
	}
	now := dep

	etas := Recompute(stops, 20, 0, now)
	if len(etas) != 3 {
		t.Fatalf("got %d etas", len(etas))
	}
	if !etas[0].ETA.Equal(now) {
		t.Fatalf("first stop eta = %v, want now", etas[0].ETA)
	}
	if !etas[1].ETA.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("second stop eta = %v", etas[1].ETA)
	}
	if !etas[2].ETA.Equal(now.Add(time.Hour)) {
		t.Fatalf("third stop eta = %v", etas[2].ETA)
	}

	withDwell := Recompute(stops, 20, 2*time.Minute, now)
	if !withDwell[2].ETA.Equal(now.Add(time.Hour + 4*time.Minute)) {
		t.Fatalf("dwell not applied per segment: %v", withDwell[2].ETA)
	}

	if Recompute(stops, 0, 0, now) != nil {
		t.Fatal("zero speed should yield no etas")
	}
}

func TestRouteETAsUseClassTables(t *testing.T) {
	etas := RouteETAs(tenKmRoute(), dep)
	want := dep.Add(30*time.Minute + 2*time.Minute)
	if !etas[1].ETA.Equal(want) {
		t.Fatalf("urban eta = %v, want %v", etas[1].ETA, want)
	}
}

func TestETAsFromPosition(t *testing.T) {
	route := tenKmRoute()
	current := geo.Coordinate{Lon: 1 / kmPerDegree}

	etas := ETAsFromPosition(route, current, UpcomingStopSpeedKmh, dep)
	if len(etas) != 2 || etas[0].StopID != "A" {
		t.Fatalf("unexpected etas: %+v", etas)
	}
	// 1 km back to A then 10 km to B at 30 km/h
	if !etas[1].ETA.Equal(dep.Add(22 * time.Minute)) {
		t.Fatalf("eta at B = %v", etas[1].ETA)
	}
}

func TestAlternateRouteDelay(t *testing.T) {
	route := tenKmRoute()
	dev := domain.Deviation{AlternateStops: []domain.AlternateStop{
		{Location: geo.Coordinate{}},
		{Location: geo.Coordinate{Lon: 25 / kmPerDegree}},
	}}
	// 25 km at 25 km/h against a 32 minute route
	if got := AlternateRouteDelay(route, dev); got != 28*time.Minute {
		t.Fatalf("delay = %v, want 28m", got)
	}

	dev.AlternateStops[1].Location.Lon = 1 / kmPerDegree
	if got := AlternateRouteDelay(route, dev); got != 0 {
		t.Fatalf("shorter alternate should not report delay, got %v", got)
	}
}

type recordingAlerts struct {
	mu      sync.Mutex
	alerts  []domain.Deviation
	notices []string
	err     error
}

func (r *recordingAlerts) OpenDeviationAlert(_ context.Context, d domain.Deviation, _ domain.Trip, _ domain.Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, d)
	return r.err
}

func (r *recordingAlerts) NotifyPassengers(_ context.Context, tripID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, tripID+": "+message)
	return r.err
}

func seedStops(t *testing.T, repo *store.Repository) {
	t.Helper()
	stops := []domain.Stop{
		{ID: "S1", Location: geo.Coordinate{Lat: 0.010, Lon: 0.045}, Active: true},
		{ID: "S2", Location: geo.Coordinate{Lat: 0.012, Lon: 0.046}, Active: true},
		{ID: "S3", Location: geo.Coordinate{Lat: 0.020, Lon: 0.050}, Active: true},
		{ID: "S4", Location: geo.Coordinate{Lat: 0.500, Lon: 0.500}, Active: true},
		{ID: "S5", Location: geo.Coordinate{Lat: 0.009, Lon: 0.045}, Active: false},
	}
	for _, s := range stops {
		if err := repo.PutStop(context.Background(), s); err != nil {
			t.Fatalf("put stop: %v", err)
		}
	}
}

// offRoute is about 1 km north of the expected midpoint at 10:30.
func offRoute() geo.Coordinate {
	return geo.Coordinate{Lat: 1 / kmPerDegree, Lon: 5 / kmPerDegree}
}

func TestEvaluateOpensDeviation(t *testing.T) {
	repo := store.NewRepository()
	seedStops(t, repo)
	alerts := &recordingAlerts{}
	det := NewDetector(repo, repo, alerts, discardLogger())
	now := dep.Add(30 * time.Minute)

	opened, err := det.Evaluate(context.Background(), "V1", offRoute(), tenKmRoute(), hourTrip(), now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if opened == nil {
		t.Fatal("expected a deviation to open")
	}

	dev := opened.Deviation
	if dev.Status != domain.DeviationActive || !dev.Start.Equal(now) || !dev.End.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected deviation window: %+v", dev)
	}
	if dev.OffsetKm < 0.9 || dev.OffsetKm > 1.1 {
		t.Fatalf("offset = %.3f km, want about 1", dev.OffsetKm)
	}
	if len(dev.AlternateStops) != 3 {
		t.Fatalf("alternate stops = %d, want 3", len(dev.AlternateStops))
	}
	for i, want := range []string{"S1", "S2", "S3"} {
		s := dev.AlternateStops[i]
		if s.StopID != want || s.Sequence != i+1 {
			t.Fatalf("alternate stop %d = %+v, want %s", i, s, want)
		}
	}
	if len(opened.ETAs) != 3 || !opened.ETAs[0].ETA.Equal(now) {
		t.Fatalf("unexpected alternate etas: %+v", opened.ETAs)
	}
	if len(alerts.alerts) != 1 || len(alerts.notices) != 1 {
		t.Fatalf("alerts = %d, notices = %d", len(alerts.alerts), len(alerts.notices))
	}

	if _, err := repo.ActiveDeviation(context.Background(), "RT1", now); err != nil {
		t.Fatalf("deviation not persisted: %v", err)
	}
}

func TestEvaluateDebouncesPerRoute(t *testing.T) {
	repo := store.NewRepository()
	seedStops(t, repo)
	det := NewDetector(repo, repo, &recordingAlerts{}, discardLogger())
	now := dep.Add(30 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := det.Evaluate(context.Background(), "V1", offRoute(), tenKmRoute(), hourTrip(), now)
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			if o != nil {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if opened != 1 {
		t.Fatalf("opened %d deviations, want 1", opened)
	}

	later, err := det.Evaluate(context.Background(), "V2", offRoute(), tenKmRoute(), hourTrip(), now.Add(20*time.Minute))
	if err != nil || later != nil {
		t.Fatalf("evaluate inside the window = %+v, %v, want suppressed", later, err)
	}

	list, _ := repo.ListDeviations(context.Background(), "RT1")
	if len(list) != 1 {
		t.Fatalf("stored %d deviations, want 1", len(list))
	}
}

func TestEvaluateOutOfOrderReadingsKeepOneDeviation(t *testing.T) {
	repo := store.NewRepository()
	seedStops(t, repo)
	det := NewDetector(repo, repo, nil, discardLogger())
	ctx := context.Background()
	at1040 := dep.Add(40 * time.Minute)
	at1030 := dep.Add(30 * time.Minute)

	first, err := det.Evaluate(ctx, "V1", offRoute(), tenKmRoute(), hourTrip(), at1040)
	if err != nil || first == nil {
		t.Fatalf("first evaluate = %+v, %v", first, err)
	}

	// an older reading from another vehicle arrives after the first one
	second, err := det.Evaluate(ctx, "V2", offRoute(), tenKmRoute(), hourTrip(), at1030)
	if err != nil || second != nil {
		t.Fatalf("second evaluate = %+v, %v, want suppressed", second, err)
	}

	list, _ := repo.ListDeviations(ctx, "RT1")
	if len(list) != 1 {
		t.Fatalf("stored %d deviations, want 1", len(list))
	}
	active := 0
	for _, d := range list {
		if d.ActiveAt(dep.Add(45 * time.Minute)) {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("%d deviations active at 10:45, want 1", active)
	}
}

func TestEvaluateAfterWindowOpensAgain(t *testing.T) {
	repo := store.NewRepository()
	seedStops(t, repo)
	det := NewDetector(repo, repo, nil, discardLogger())
	trip := hourTrip()
	trip.Arrival = dep.Add(4 * time.Hour)
	route := tenKmRoute()

	first, _ := det.Evaluate(context.Background(), "V1", geo.Coordinate{Lat: 0.05, Lon: 0}, route, trip, dep)
	if first == nil {
		t.Fatal("expected first deviation")
	}
	second, err := det.Evaluate(context.Background(), "V1", geo.Coordinate{Lat: 0.05, Lon: 0}, route, trip, dep.Add(time.Hour))
	if err != nil || second == nil {
		t.Fatalf("deviation after window = %+v, %v, want a new one", second, err)
	}
}

func TestEvaluateBelowThreshold(t *testing.T) {
	repo := store.NewRepository()
	det := NewDetector(repo, repo, &recordingAlerts{}, discardLogger())
	now := dep.Add(30 * time.Minute)
	onRoute := geo.Coordinate{Lat: 0.3 / kmPerDegree, Lon: 5 / kmPerDegree}

	o, err := det.Evaluate(context.Background(), "V1", onRoute, tenKmRoute(), hourTrip(), now)
	if err != nil || o != nil {
		t.Fatalf("evaluate = %+v, %v, want nothing", o, err)
	}
}

func TestEvaluateSkipsUndefinedRoute(t *testing.T) {
	repo := store.NewRepository()
	det := NewDetector(repo, repo, &recordingAlerts{}, discardLogger())
	route := tenKmRoute()
	route.Stops = route.Stops[:1]

	o, err := det.Evaluate(context.Background(), "V1", offRoute(), route, hourTrip(), dep)
	if err != nil || o != nil {
		t.Fatalf("evaluate = %+v, %v, want skipped", o, err)
	}
}

func TestEvaluateRejectsInvalidCoordinate(t *testing.T) {
	repo := store.NewRepository()
	det := NewDetector(repo, repo, &recordingAlerts{}, discardLogger())

	_, err := det.Evaluate(context.Background(), "V1", geo.Coordinate{Lat: 95}, tenKmRoute(), hourTrip(), dep)
	if !errors.Is(err, domain.ErrInvalidCoordinate) {
		t.Fatalf("error = %v, want ErrInvalidCoordinate", err)
	}
}

type arrivalRecorder struct {
	tripID  string
	arrival time.Time
}

func (a *arrivalRecorder) ReviseArrival(_ context.Context, tripID string, arrival time.Time) error {
	a.tripID, a.arrival = tripID, arrival
	return nil
}

func TestAlertFailureKeepsDeviation(t *testing.T) {
	repo := store.NewRepository()
	seedStops(t, repo)
	alerts := &recordingAlerts{err: errors.New("nats: connection closed")}
	det := NewDetector(repo, repo, alerts, discardLogger())
	rec := &arrivalRecorder{}
	det.SetArrivalReviser(rec)
	now := dep.Add(30 * time.Minute)

	o, err := det.Evaluate(context.Background(), "V1", offRoute(), tenKmRoute(), hourTrip(), now)
	if err != nil || o == nil {
		t.Fatalf("evaluate = %+v, %v", o, err)
	}
	if _, err := repo.ActiveDeviation(context.Background(), "RT1", now); err != nil {
		t.Fatalf("deviation should persist despite alert failure: %v", err)
	}
	if rec.tripID != "T1" || !rec.arrival.Equal(o.RevisedArrival) {
		t.Fatalf("arrival not revised: %+v", rec)
	}
}
