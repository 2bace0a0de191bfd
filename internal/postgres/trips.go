package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"busline/internal/domain"
)

const selectTrip = `
	SELECT id, route_id, vehicle_id, departure, arrival, revised_arrival
	FROM trips`

func (r *Repository) GetTrip(ctx context.Context, id string) (*domain.Trip, error) {
	t, err := r.scanTrip(r.db.QueryRow(ctx, selectTrip+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query trip %s: %w", id, err)
	}
	if err := r.loadSeats(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ActiveTripForVehicle returns the trip the vehicle is running at now.
func (r *Repository) ActiveTripForVehicle(ctx context.Context, vehicleID string, now time.Time) (*domain.Trip, error) {
	t, err := r.scanTrip(r.db.QueryRow(ctx, selectTrip+`
		WHERE vehicle_id=$1 AND departure <= $2 AND arrival > $2
		ORDER BY departure DESC
		LIMIT 1`, vehicleID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active trip for vehicle %s: %w", vehicleID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query active trip for vehicle %s: %w", vehicleID, err)
	}
	if err := r.loadSeats(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) scanTrip(row pgx.Row) (*domain.Trip, error) {
	var t domain.Trip
	if err := row.Scan(&t.ID, &t.RouteID, &t.VehicleID, &t.Departure, &t.Arrival, &t.RevisedArrival); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) loadSeats(ctx context.Context, t *domain.Trip) error {
	rows, err := r.db.Query(ctx, `
		SELECT seat_id, side, row_label, column_label, status, holder, locked_until, booking_id
		FROM seats WHERE trip_id=$1
		ORDER BY seat_id
	`, t.ID)
	if err != nil {
		return fmt.Errorf("query seats for trip %s: %w", t.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var s domain.Seat
		var side, status string
		var lockedUntil *time.Time
		if err := rows.Scan(&s.ID, &side, &s.Row, &s.Column, &status, &s.Holder, &lockedUntil, &s.BookingID); err != nil {
			return fmt.Errorf("scan seat: %w", err)
		}
		s.Side = domain.SeatSide(side)
		s.Status = domain.SeatStatus(status)
		if lockedUntil != nil {
			s.LockedUntil = *lockedUntil
		}
		t.Seats = append(t.Seats, s)
	}
	return rows.Err()
}

func (r *Repository) SetSeatState(ctx context.Context, tripID, seatID string, state domain.SeatState) error {
	var lockedUntil *time.Time
	if !state.LockedUntil.IsZero() {
		lockedUntil = &state.LockedUntil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE seats
		SET status=$3, holder=$4, locked_until=$5, booking_id=$6
		WHERE trip_id=$1 AND seat_id=$2
	`, tripID, seatID, string(state.Status), state.Holder, lockedUntil, state.BookingID)
	if err != nil {
		return fmt.Errorf("update seat %s on trip %s: %w", seatID, tripID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("seat %s on trip %s: %w", seatID, tripID, domain.ErrNotFound)
	}
	return nil
}

func (r *Repository) ReviseArrival(ctx context.Context, tripID string, arrival time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE trips SET revised_arrival=$2 WHERE id=$1`, tripID, arrival)
	if err != nil {
		return fmt.Errorf("revise arrival for trip %s: %w", tripID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trip %s: %w", tripID, domain.ErrNotFound)
	}
	return nil
}
