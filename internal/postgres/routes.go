package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"busline/internal/domain"
	"busline/internal/geo"
)

func (r *Repository) GetRoute(ctx context.Context, id string) (*domain.Route, error) {
	route, err := scanRoute(r.db.QueryRow(ctx, `
		SELECT id, number, name, class, circular, active, distance_km, estimated_time_s
		FROM routes WHERE id=$1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("route %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query route %s: %w", id, err)
	}

	stops, err := r.routeStops(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	route.Stops = stops[id]
	return route, nil
}

func (r *Repository) ListRoutes(ctx context.Context) ([]*domain.Route, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, number, name, class, circular, active, distance_km, estimated_time_s
		FROM routes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []*domain.Route
	var ids []string
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, route)
		ids = append(ids, route.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return routes, nil
	}

	stops, err := r.routeStops(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, route := range routes {
		route.Stops = stops[route.ID]
	}
	return routes, nil
}

func scanRoute(row pgx.Row) (*domain.Route, error) {
	var route domain.Route
	var class string
	var estimated int64
	if err := row.Scan(&route.ID, &route.Number, &route.Name, &class, &route.Circular, &route.Active, &route.DistanceKm, &estimated); err != nil {
		return nil, err
	}
	route.Class = domain.RouteClass(class)
	route.EstimatedTime = fromSeconds(estimated)
	return &route, nil
}

func (r *Repository) routeStops(ctx context.Context, routeIDs []string) (map[string][]domain.RouteStop, error) {
	rows, err := r.db.Query(ctx, `
		SELECT route_id, stop_id, sequence, lat, lon, pickup_only, dropoff_only,
		       distance_from_previous_km, time_from_previous_s
		FROM route_stops
		WHERE route_id = ANY($1)
		ORDER BY route_id, sequence
	`, routeIDs)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.RouteStop, len(routeIDs))
	for rows.Next() {
		var routeID string
		var rs domain.RouteStop
		var timeFromPrevious int64
		if err := rows.Scan(&routeID, &rs.StopID, &rs.Sequence, &rs.Location.Lat, &rs.Location.Lon,
			&rs.PickupOnly, &rs.DropoffOnly, &rs.DistanceFromPreviousKm, &timeFromPrevious); err != nil {
			return nil, fmt.Errorf("scan route stop: %w", err)
		}
		rs.TimeFromPrevious = fromSeconds(timeFromPrevious)
		out[routeID] = append(out[routeID], rs)
	}
	return out, rows.Err()
}

// PutRoute resolves stop locations, normalizes and validates the route,
// derives its metrics and replaces the stored copy in one transaction.
func (r *Repository) PutRoute(ctx context.Context, route *domain.Route) (*domain.Route, error) {
	c := *route
	c.Stops = append([]domain.RouteStop(nil), route.Stops...)

	ids := make([]string, len(c.Stops))
	for i, rs := range c.Stops {
		ids[i] = rs.StopID
	}
	locations, err := r.stopLocations(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, rs := range c.Stops {
		loc, ok := locations[rs.StopID]
		if !ok {
			return nil, fmt.Errorf("%w: route %s references unknown stop %s", domain.ErrInvalidRoute, c.ID, rs.StopID)
		}
		c.Stops[i].Location = loc
	}

	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	saved := domain.RecalculateRoute(c)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin route tx: %w", err)
	}
	if err := writeRoute(ctx, tx, &saved); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit route %s: %w", saved.ID, err)
	}
	return &saved, nil
}

func writeRoute(ctx context.Context, tx pgx.Tx, route *domain.Route) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO routes (id, number, name, class, circular, active, distance_km, estimated_time_s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			number=EXCLUDED.number, name=EXCLUDED.name, class=EXCLUDED.class,
			circular=EXCLUDED.circular, active=EXCLUDED.active,
			distance_km=EXCLUDED.distance_km, estimated_time_s=EXCLUDED.estimated_time_s
	`, route.ID, route.Number, route.Name, string(route.Class), route.Circular, route.Active, route.DistanceKm, seconds(route.EstimatedTime))
	if err != nil {
		return fmt.Errorf("upsert route %s: %w", route.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM route_stops WHERE route_id=$1`, route.ID); err != nil {
		return fmt.Errorf("clear stops for route %s: %w", route.ID, err)
	}

	for _, rs := range route.Stops {
		_, err := tx.Exec(ctx, `
			INSERT INTO route_stops (route_id, stop_id, sequence, lat, lon, pickup_only, dropoff_only,
			                         distance_from_previous_km, time_from_previous_s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, route.ID, rs.StopID, rs.Sequence, rs.Location.Lat, rs.Location.Lon, rs.PickupOnly, rs.DropoffOnly,
			rs.DistanceFromPreviousKm, seconds(rs.TimeFromPrevious))
		if err != nil {
			return fmt.Errorf("insert stop %s for route %s: %w", rs.StopID, route.ID, err)
		}
	}
	return nil
}

func (r *Repository) stopLocations(ctx context.Context, ids []string) (map[string]geo.Coordinate, error) {
	rows, err := r.db.Query(ctx, `SELECT id, lat, lon FROM stops WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query stop locations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]geo.Coordinate, len(ids))
	for rows.Next() {
		var id string
		var c geo.Coordinate
		if err := rows.Scan(&id, &c.Lat, &c.Lon); err != nil {
			return nil, fmt.Errorf("scan stop location: %w", err)
		}
		out[id] = c
	}
	return out, rows.Err()
}

// NearestStops ranks every active stop by great-circle distance.
func (r *Repository) NearestStops(ctx context.Context, pos geo.Coordinate, n int) ([]domain.Stop, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, lat, lon, active, facilities
		FROM stops WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var stops []domain.Stop
	for rows.Next() {
		var s domain.Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Location.Lat, &s.Location.Lon, &s.Active, &s.Facilities); err != nil {
			return nil, fmt.Errorf("scan stop: %w", err)
		}
		stops = append(stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.NearestStops(stops, pos, n), nil
}

// PutStop upserts a stop. A stop used by a route keeps its location; such
// a move is rejected with ErrInvalidStop.
func (r *Repository) PutStop(ctx context.Context, s domain.Stop) error {
	if err := s.Validate(); err != nil {
		return err
	}
	facilities := s.Facilities
	if facilities == nil {
		facilities = []string{}
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO stops (id, name, lat, lon, active, facilities)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
		    active=EXCLUDED.active, facilities=EXCLUDED.facilities
		WHERE (stops.lat = EXCLUDED.lat AND stops.lon = EXCLUDED.lon)
		   OR NOT EXISTS (SELECT 1 FROM route_stops WHERE stop_id = EXCLUDED.id)
	`, s.ID, s.Name, s.Location.Lat, s.Location.Lon, s.Active, facilities)
	if err != nil {
		return fmt.Errorf("upsert stop %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stop %s is used by a route and cannot move", domain.ErrInvalidStop, s.ID)
	}
	return nil
}
