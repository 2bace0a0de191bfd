package ingestor

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"busline/internal/domain"
	"busline/internal/geo"
	"busline/internal/store"
	"busline/pkg/gtfs"
)

var catalogFeed = map[string]string{
	"routes.txt": "route_id,route_short_name,route_long_name,route_type\nR1,10,Central - Airport,3\n",
	"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
		"S1,Central,52.0,21.0\nS2,Market,52.01,21.0\nS3,Airport,52.02,21.0\n",
	"trips.txt": "route_id,service_id,trip_id\nR1,WD,T1\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"T1,08:00:00,08:00:00,S1,1\nT1,08:10:00,08:10:00,S2,2\nT1,08:20:00,08:20:00,S3,3\n",
}

func zipFeed(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func feedServer(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCatalogImporterUpdate(t *testing.T) {
	var hits atomic.Int32
	srv := feedServer(t, zipFeed(t, catalogFeed), &hits)

	repo := store.NewRepository()
	cacheDir := t.TempDir()
	imp := NewCatalogImporter(srv.URL, repo, cacheDir, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var updates [][]string
	imp.SetOnUpdate(func(_ context.Context, ids []string) { updates = append(updates, ids) })

	if imp.IsReady() {
		t.Fatal("importer should not be ready before the first import")
	}

	ctx := context.Background()
	imp.update(ctx)

	if !imp.IsReady() {
		t.Fatal("importer should be ready after a successful import")
	}
	route, err := repo.GetRoute(ctx, "R1")
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if len(route.Stops) != 3 || route.DistanceKm <= 0 {
		t.Fatalf("unexpected route: %+v", route)
	}
	if _, err := repo.GetStop(ctx, "S2"); err != nil {
		t.Fatalf("GetStop: %v", err)
	}
	if len(updates) != 1 || len(updates[0]) != 1 || updates[0][0] != "R1" {
		t.Fatalf("updates = %v, want [[R1]]", updates)
	}

	imp.update(ctx)
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
	if len(updates) != 1 {
		t.Fatalf("unchanged archive should not trigger an update, got %d", len(updates))
	}
}

func TestCatalogImporterUsesCache(t *testing.T) {
	data := zipFeed(t, catalogFeed)
	cacheDir := t.TempDir()

	// A cached catalog for the same archive wins over parsing it again.
	cached := &gtfs.Catalog{
		Stops: []domain.Stop{
			{ID: "C1", Location: geo.Coordinate{Lat: 50, Lon: 20}, Active: true},
			{ID: "C2", Location: geo.Coordinate{Lat: 50.01, Lon: 20}, Active: true},
		},
		Routes: []domain.Route{{
			ID: "CACHED", Class: domain.RouteClassUrban, Active: true,
			Stops: []domain.RouteStop{{StopID: "C1", Sequence: 1}, {StopID: "C2", Sequence: 2}},
		}},
	}
	if _, err := gtfs.SaveCatalog(cacheDir, gtfs.DataFingerprint(data), cached); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}

	var hits atomic.Int32
	srv := feedServer(t, data, &hits)
	repo := store.NewRepository()
	imp := NewCatalogImporter(srv.URL, repo, cacheDir, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	imp.update(context.Background())

	if _, err := repo.GetRoute(context.Background(), "CACHED"); err != nil {
		t.Fatalf("expected cached route to be imported: %v", err)
	}
	if _, err := repo.GetRoute(context.Background(), "R1"); err == nil {
		t.Fatal("archive should not have been parsed when a cache entry exists")
	}
}

func TestCatalogImporterDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	imp := NewCatalogImporter(srv.URL, store.NewRepository(), "", time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	imp.update(context.Background())

	if imp.IsReady() {
		t.Fatal("importer should stay unready after a failed download")
	}
}

type rejectingWriter struct {
	*store.Repository
	rejectStop string
}

func (w rejectingWriter) PutStop(ctx context.Context, s domain.Stop) error {
	if s.ID == w.rejectStop {
		return fmt.Errorf("%w: rejected", domain.ErrInvalidStop)
	}
	return w.Repository.PutStop(ctx, s)
}

func TestCatalogImporterApplyCountsRejections(t *testing.T) {
	repo := store.NewRepository()
	imp := NewCatalogImporter("http://unused", rejectingWriter{Repository: repo, rejectStop: "S2"}, "", time.Hour,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	catalog := &gtfs.Catalog{
		Stops: []domain.Stop{
			{ID: "S1", Location: geo.Coordinate{Lat: 52, Lon: 21}, Active: true},
			{ID: "S2", Location: geo.Coordinate{Lat: 52.01, Lon: 21}, Active: true},
			{ID: "S3", Location: geo.Coordinate{Lat: 52.02, Lon: 21}, Active: true},
		},
		Routes: []domain.Route{
			{ID: "OK", Stops: []domain.RouteStop{{StopID: "S1", Sequence: 1}, {StopID: "S3", Sequence: 2}}},
			{ID: "NEEDS_S2", Stops: []domain.RouteStop{{StopID: "S1", Sequence: 1}, {StopID: "S2", Sequence: 2}}},
		},
	}

	res := imp.Apply(context.Background(), catalog)
	if res.Stops != 2 || res.RejectedStops != 1 {
		t.Fatalf("stops = %d/%d rejected, want 2/1", res.Stops, res.RejectedStops)
	}
	if res.Routes != 1 || res.RejectedRoutes != 1 {
		t.Fatalf("routes = %d/%d rejected, want 1/1", res.Routes, res.RejectedRoutes)
	}
	if len(res.RouteIDs) != 1 || res.RouteIDs[0] != "OK" {
		t.Fatalf("route ids = %v, want [OK]", res.RouteIDs)
	}
}
