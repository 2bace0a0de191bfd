package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"busline/internal/domain"
)

const uniqueViolation = "23505"

func (r *Repository) CreateBooking(ctx context.Context, b *domain.Booking) error {
	if len(b.SeatIDs) == 0 {
		return domain.ErrNoSeats
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO bookings (id, trip_id, holder, seat_ids, passenger_name, passenger_contact, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, b.ID, b.TripID, b.Holder, b.SeatIDs, b.Passenger.Name, b.Passenger.Contact, string(b.Status), b.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: booking %s already exists", domain.ErrBookingState, b.ID)
	}
	if err != nil {
		return fmt.Errorf("insert booking %s: %w", b.ID, err)
	}
	return nil
}

func (r *Repository) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	var b domain.Booking
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT id, trip_id, holder, seat_ids, passenger_name, passenger_contact, status,
		       created_at, confirmed_at, cancelled_at
		FROM bookings WHERE id=$1
	`, id).Scan(&b.ID, &b.TripID, &b.Holder, &b.SeatIDs, &b.Passenger.Name, &b.Passenger.Contact, &status,
		&b.CreatedAt, &b.ConfirmedAt, &b.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query booking %s: %w", id, err)
	}
	b.Status = domain.BookingStatus(status)
	return &b, nil
}

// OnSubmit persists a confirmed booking.
func (r *Repository) OnSubmit(ctx context.Context, b *domain.Booking) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET status=$2, confirmed_at=$3 WHERE id=$1
	`, b.ID, string(b.Status), b.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("submit booking %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %s: %w", b.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *Repository) UpdateBookingStatus(ctx context.Context, id string, status domain.BookingStatus, at time.Time) error {
	var tag pgconn.CommandTag
	var err error
	switch status {
	case domain.BookingConfirmed:
		tag, err = r.db.Exec(ctx, `UPDATE bookings SET status=$2, confirmed_at=$3 WHERE id=$1`, id, string(status), at)
	case domain.BookingCancelled:
		tag, err = r.db.Exec(ctx, `UPDATE bookings SET status=$2, cancelled_at=$3 WHERE id=$1`, id, string(status), at)
	default:
		tag, err = r.db.Exec(ctx, `UPDATE bookings SET status=$2 WHERE id=$1`, id, string(status))
	}
	if err != nil {
		return fmt.Errorf("update booking %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
