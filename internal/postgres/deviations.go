package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"busline/internal/domain"
)

func (r *Repository) ActiveDeviation(ctx context.Context, routeID string, now time.Time) (*domain.Deviation, error) {
	var d domain.Deviation
	var status string
	var alternates []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, route_id, trip_id, vehicle_id, start_at, end_at, status, reason, description,
		       offset_km, observed_lat, observed_lon, expected_lat, expected_lon, alternate_stops
		FROM deviations
		WHERE route_id=$1 AND status='active' AND start_at <= $2 AND end_at > $2
		ORDER BY start_at DESC
		LIMIT 1
	`, routeID, now).Scan(&d.ID, &d.RouteID, &d.TripID, &d.VehicleID, &d.Start, &d.End, &status, &d.Reason, &d.Description,
		&d.OffsetKm, &d.Observed.Lat, &d.Observed.Lon, &d.Expected.Lat, &d.Expected.Lon, &alternates)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active deviation for route %s: %w", routeID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query active deviation for route %s: %w", routeID, err)
	}
	d.Status = domain.DeviationStatus(status)
	if err := json.Unmarshal(alternates, &d.AlternateStops); err != nil {
		return nil, fmt.Errorf("decode alternate stops for deviation %s: %w", d.ID, err)
	}
	return &d, nil
}

// CreateIfNoneActive serializes writers per route with a transaction
// scoped advisory lock, then inserts d only if no active deviation
// overlaps its window.
func (r *Repository) CreateIfNoneActive(ctx context.Context, d *domain.Deviation) (bool, error) {
	alternates, err := json.Marshal(d.AlternateStops)
	if err != nil {
		return false, fmt.Errorf("encode alternate stops: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin deviation tx: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, d.RouteID); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("lock route %s: %w", d.RouteID, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deviations
			WHERE route_id=$1 AND status='active' AND start_at < $3 AND end_at > $2
		)
	`, d.RouteID, d.Start, d.End).Scan(&exists); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("check active deviation for route %s: %w", d.RouteID, err)
	}
	if exists {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deviations (id, route_id, trip_id, vehicle_id, start_at, end_at, status, reason, description,
		                        offset_km, observed_lat, observed_lon, expected_lat, expected_lon, alternate_stops)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, d.ID, d.RouteID, d.TripID, d.VehicleID, d.Start, d.End, string(d.Status), d.Reason, d.Description,
		d.OffsetKm, d.Observed.Lat, d.Observed.Lon, d.Expected.Lat, d.Expected.Lon, alternates)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("insert deviation %s: %w", d.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit deviation %s: %w", d.ID, err)
	}
	return true, nil
}

func (r *Repository) ResolveDeviation(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE deviations SET status='resolved' WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("resolve deviation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deviation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
