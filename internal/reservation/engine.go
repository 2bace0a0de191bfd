// Package reservation runs the seat reservation protocol: seats are
// locked through the lock store before any seat state changes, bookings
// convert locks into Booked seats, and cancellations return them.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"busline/internal/clock"
	"busline/internal/domain"
	"busline/internal/lockstore"
)

const bookingStripes = 64

type LockStore interface {
	TryAcquire(ctx context.Context, tripID, seatID, holder string) (bool, error)
	Release(ctx context.Context, tripID, seatID string) error
	Holder(ctx context.Context, tripID, seatID string) (lockstore.Lock, bool, error)
	Live(ctx context.Context, tripID, seatID string) (lockstore.Lock, bool, error)
	TTL() time.Duration
}

type TripRepository interface {
	GetTrip(ctx context.Context, id string) (*domain.Trip, error)
}

// SeatRepository persists a single seat's state atomically.
type SeatRepository interface {
	TripRepository
	SetSeatState(ctx context.Context, tripID, seatID string, state domain.SeatState) error
}

type BookingRepository interface {
	CreateBooking(ctx context.Context, b *domain.Booking) error
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	// OnSubmit persists a booking in its Confirmed state.
	OnSubmit(ctx context.Context, b *domain.Booking) error
	UpdateBookingStatus(ctx context.Context, id string, status domain.BookingStatus, at time.Time) error
}

// SeatNotifier receives seat status changes for live seat maps.
type SeatNotifier interface {
	SeatChanged(tripID string, seat domain.Seat)
}

type Metrics interface {
	BookingConfirmed()
	BookingCancelled()
	SeatRequest(result string)
}

type LockedSeat struct {
	TripID    string    `json:"tripId"`
	SeatID    string    `json:"seatId"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Engine struct {
	locks    LockStore
	seats    SeatRepository
	bookings BookingRepository
	clock    clock.Clock
	notifier SeatNotifier
	metrics  Metrics
	logger   *slog.Logger

	stripes [bookingStripes]sync.Mutex
}

func NewEngine(locks LockStore, seats SeatRepository, bookings BookingRepository, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		locks:    locks,
		seats:    seats,
		bookings: bookings,
		clock:    clk,
		logger:   logger.With("component", "reservation_engine"),
	}
}

func (e *Engine) SetNotifier(n SeatNotifier) {
	e.notifier = n
}

func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// RequestSeats locks every requested seat for holder or none of them.
// A seat qualifies if it is Available, or Locked with no live lock in the
// store. On any failure the locks taken by this call are released.
func (e *Engine) RequestSeats(ctx context.Context, tripID string, seatIDs []string, holder string) ([]LockedSeat, error) {
	seatIDs = dedupe(seatIDs)
	if len(seatIDs) == 0 {
		return nil, domain.ErrNoSeats
	}

	trip, err := e.seats.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", tripID, err)
	}

	acquired := make([]string, 0, len(seatIDs))
	fail := func(err error) ([]LockedSeat, error) {
		e.rollback(ctx, tripID, acquired, nil)
		e.observe(err)
		return nil, err
	}

	for _, id := range seatIDs {
		seat, ok := trip.Seat(id)
		if !ok {
			return fail(domain.SeatUnavailable(tripID, id, "no such seat"))
		}

		switch seat.Status {
		case domain.SeatAvailable:
		case domain.SeatLocked:
			_, live, err := e.locks.Holder(ctx, tripID, id)
			if err != nil {
				return fail(err)
			}
			if live {
				return fail(domain.SeatUnavailable(tripID, id, "locked"))
			}
		default:
			return fail(domain.SeatUnavailable(tripID, id, string(seat.Status)))
		}

		ok, err := e.locks.TryAcquire(ctx, tripID, id, holder)
		if err != nil {
			return fail(err)
		}
		if !ok {
			return fail(domain.SeatUnavailable(tripID, id, "locked"))
		}
		acquired = append(acquired, id)
	}

	// A confirm can book a seat and release its lock after the first read.
	// Booked is written before that release, so a read taken now sees it.
	current, err := e.seats.GetTrip(ctx, tripID)
	if err != nil {
		return fail(fmt.Errorf("get trip %s: %w", tripID, err))
	}
	for _, id := range acquired {
		if seat, ok := current.Seat(id); !ok || seat.Status == domain.SeatBooked {
			return fail(domain.SeatUnavailable(tripID, id, string(domain.SeatBooked)))
		}
	}

	until := e.clock.Now().Add(e.locks.TTL())
	result := make([]LockedSeat, 0, len(acquired))
	written := make([]string, 0, len(acquired))
	for _, id := range acquired {
		if err := e.seats.SetSeatState(ctx, tripID, id, domain.LockedState(holder, until)); err != nil {
			e.rollback(ctx, tripID, acquired, written)
			e.observe(err)
			return nil, fmt.Errorf("lock seat %s: %w", id, err)
		}
		written = append(written, id)
		result = append(result, LockedSeat{TripID: tripID, SeatID: id, Holder: holder, ExpiresAt: until})
	}

	for _, ls := range result {
		e.notify(tripID, domain.Seat{ID: ls.SeatID, Status: domain.SeatLocked, Holder: holder, LockedUntil: until})
	}
	e.observe(nil)
	e.logger.Info("seats locked", "trip_id", tripID, "holder", holder, "seats", acquired, "expires_at", until)
	return result, nil
}

// Reserve locks the seats and records a Pending booking for them.
func (e *Engine) Reserve(ctx context.Context, tripID string, seatIDs []string, holder string, passenger domain.Passenger) (*domain.Booking, error) {
	locked, err := e.RequestSeats(ctx, tripID, seatIDs, holder)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(locked))
	for i, l := range locked {
		ids[i] = l.SeatID
	}

	b := &domain.Booking{
		ID:        uuid.NewString(),
		TripID:    tripID,
		Holder:    holder,
		SeatIDs:   ids,
		Passenger: passenger,
		Status:    domain.BookingPending,
		CreatedAt: e.clock.Now(),
	}
	if err := e.bookings.CreateBooking(ctx, b); err != nil {
		e.rollback(ctx, tripID, ids, ids)
		return nil, fmt.Errorf("create booking: %w", err)
	}

	e.logger.Info("booking created", "booking_id", b.ID, "trip_id", tripID, "holder", holder, "seats", len(ids))
	return b, nil
}

// ConfirmBooking converts the holder's locks into Booked seats. Confirming
// an already Confirmed booking is a no-op.
func (e *Engine) ConfirmBooking(ctx context.Context, bookingID string) (*domain.Booking, error) {
	mu := e.stripe(bookingID)
	mu.Lock()
	defer mu.Unlock()

	b, err := e.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", bookingID, err)
	}
	switch b.Status {
	case domain.BookingConfirmed:
		return b, nil
	case domain.BookingCancelled:
		return nil, fmt.Errorf("%w: booking %s is cancelled", domain.ErrBookingState, bookingID)
	}

	trip, err := e.seats.GetTrip(ctx, b.TripID)
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", b.TripID, err)
	}

	previous := make(map[string]domain.SeatState, len(b.SeatIDs))
	for _, id := range b.SeatIDs {
		seat, ok := trip.Seat(id)
		if !ok {
			return nil, domain.SeatUnavailable(b.TripID, id, "no such seat")
		}
		if seat.Status == domain.SeatBooked {
			if seat.BookingID == b.ID {
				continue
			}
			return nil, domain.SeatUnavailable(b.TripID, id, "booked by another booking")
		}
		lock, live, err := e.locks.Holder(ctx, b.TripID, id)
		if err != nil {
			return nil, err
		}
		if !live || lock.Holder != b.Holder {
			return nil, domain.SeatUnavailable(b.TripID, id, "lock expired")
		}
		previous[id] = domain.LockedState(lock.Holder, lock.ExpiresAt)
	}

	var booked []string
	revert := func() {
		for _, id := range booked {
			if err := e.seats.SetSeatState(ctx, b.TripID, id, previous[id]); err != nil {
				e.logger.Error("failed to revert seat after confirm failure", "trip_id", b.TripID, "seat_id", id, "error", err)
			}
		}
	}

	for _, id := range b.SeatIDs {
		if _, pending := previous[id]; !pending {
			continue
		}
		if err := e.seats.SetSeatState(ctx, b.TripID, id, domain.BookedState(b.ID)); err != nil {
			revert()
			return nil, fmt.Errorf("book seat %s: %w", id, err)
		}
		booked = append(booked, id)
	}

	confirmed := b.Clone()
	now := e.clock.Now()
	confirmed.Status = domain.BookingConfirmed
	confirmed.ConfirmedAt = &now
	if err := e.bookings.OnSubmit(ctx, confirmed); err != nil {
		revert()
		return nil, fmt.Errorf("submit booking %s: %w", b.ID, err)
	}

	// the seats are Booked now, so a lingering lock only delays its own TTL
	for _, id := range booked {
		if err := e.locks.Release(ctx, b.TripID, id); err != nil {
			e.logger.Warn("failed to clear converted seat lock", "trip_id", b.TripID, "seat_id", id, "error", err)
		}
		e.notify(b.TripID, domain.Seat{ID: id, Status: domain.SeatBooked, BookingID: b.ID})
	}

	if e.metrics != nil {
		e.metrics.BookingConfirmed()
	}
	e.logger.Info("booking confirmed", "booking_id", b.ID, "trip_id", b.TripID, "seats", len(b.SeatIDs))
	return confirmed, nil
}

// CancelBooking releases the booking's locks, returns its seats to
// Available and marks it Cancelled. Cancelling twice is a no-op.
func (e *Engine) CancelBooking(ctx context.Context, bookingID string) (*domain.Booking, error) {
	mu := e.stripe(bookingID)
	mu.Lock()
	defer mu.Unlock()

	b, err := e.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", bookingID, err)
	}
	if b.Status == domain.BookingCancelled {
		return b, nil
	}

	releaseErr := e.OnBookingRemoved(ctx, b)

	now := e.clock.Now()
	if err := e.bookings.UpdateBookingStatus(ctx, b.ID, domain.BookingCancelled, now); err != nil {
		return nil, errors.Join(releaseErr, fmt.Errorf("cancel booking %s: %w", b.ID, err))
	}
	if releaseErr != nil {
		return nil, releaseErr
	}

	cancelled := b.Clone()
	cancelled.Status = domain.BookingCancelled
	cancelled.CancelledAt = &now
	if e.metrics != nil {
		e.metrics.BookingCancelled()
	}
	e.logger.Info("booking cancelled", "booking_id", b.ID, "trip_id", b.TripID)
	return cancelled, nil
}

// OnBookingRemoved releases the booking holder's locks on its seats and
// reverts seats held by the booking to Available. A lock that lapsed and
// was taken by another holder is left alone. Lock store failures are
// returned after all seats were processed.
func (e *Engine) OnBookingRemoved(ctx context.Context, b *domain.Booking) error {
	trip, err := e.seats.GetTrip(ctx, b.TripID)
	if err != nil {
		return fmt.Errorf("get trip %s: %w", b.TripID, err)
	}

	var errs []error
	for _, id := range b.SeatIDs {
		lock, live, err := e.locks.Live(ctx, b.TripID, id)
		switch {
		case err != nil:
			errs = append(errs, err)
		case live && lock.Holder == b.Holder:
			if err := e.locks.Release(ctx, b.TripID, id); err != nil {
				errs = append(errs, err)
			}
		}

		seat, ok := trip.Seat(id)
		if !ok {
			continue
		}
		ownedByBooking := seat.Status == domain.SeatBooked && seat.BookingID == b.ID
		lockedByHolder := seat.Status == domain.SeatLocked && seat.Holder == b.Holder
		if !ownedByBooking && !lockedByHolder {
			continue
		}
		if err := e.seats.SetSeatState(ctx, b.TripID, id, domain.AvailableState()); err != nil {
			errs = append(errs, fmt.Errorf("release seat %s: %w", id, err))
			continue
		}
		e.notify(b.TripID, domain.Seat{ID: id, Status: domain.SeatAvailable})
	}
	return errors.Join(errs...)
}

// HandleExpiredLock returns a seat to Available when its lock lapsed
// without conversion. It does nothing if the seat moved on or a new lock
// exists.
func (e *Engine) HandleExpiredLock(ctx context.Context, lock lockstore.Lock) {
	trip, err := e.seats.GetTrip(ctx, lock.TripID)
	if err != nil {
		e.logger.Warn("expired lock for unknown trip", "trip_id", lock.TripID, "seat_id", lock.SeatID, "error", err)
		return
	}
	seat, ok := trip.Seat(lock.SeatID)
	if !ok || seat.Status != domain.SeatLocked || seat.Holder != lock.Holder {
		return
	}
	if _, live, err := e.locks.Live(ctx, lock.TripID, lock.SeatID); err != nil || live {
		return
	}
	if err := e.seats.SetSeatState(ctx, lock.TripID, lock.SeatID, domain.AvailableState()); err != nil {
		e.logger.Error("failed to release expired seat", "trip_id", lock.TripID, "seat_id", lock.SeatID, "error", err)
		return
	}
	e.notify(lock.TripID, domain.Seat{ID: lock.SeatID, Status: domain.SeatAvailable})
	e.logger.Info("expired seat returned", "trip_id", lock.TripID, "seat_id", lock.SeatID, "holder", lock.Holder)
}

// SeatMap returns the trip's seats with stale locks shown as Available.
func (e *Engine) SeatMap(ctx context.Context, tripID string) ([]domain.Seat, error) {
	trip, err := e.seats.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Seat, len(trip.Seats))
	for i, s := range trip.Seats {
		if s.Status == domain.SeatLocked {
			if _, live, err := e.locks.Holder(ctx, tripID, s.ID); err == nil && !live {
				s.Apply(domain.AvailableState())
			}
		}
		out[i] = s
	}
	return out, nil
}

func (e *Engine) rollback(ctx context.Context, tripID string, locked, written []string) {
	for _, id := range written {
		if err := e.seats.SetSeatState(ctx, tripID, id, domain.AvailableState()); err != nil {
			e.logger.Error("rollback failed to reset seat", "trip_id", tripID, "seat_id", id, "error", err)
		}
	}
	for _, id := range locked {
		if err := e.locks.Release(ctx, tripID, id); err != nil {
			e.logger.Error("rollback failed to release lock", "trip_id", tripID, "seat_id", id, "error", err)
		}
	}
}

func (e *Engine) stripe(bookingID string) *sync.Mutex {
	return &e.stripes[xxhash.Sum64String(bookingID)%bookingStripes]
}

func (e *Engine) notify(tripID string, seat domain.Seat) {
	if e.notifier != nil {
		e.notifier.SeatChanged(tripID, seat)
	}
}

func (e *Engine) observe(err error) {
	if e.metrics == nil {
		return
	}
	switch {
	case err == nil:
		e.metrics.SeatRequest("granted")
	case errors.Is(err, domain.ErrSeatUnavailable):
		e.metrics.SeatRequest("unavailable")
	case errors.Is(err, domain.ErrLockStoreUnavailable):
		e.metrics.SeatRequest("store_unavailable")
	default:
		e.metrics.SeatRequest("error")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
