package domain

import (
	"errors"
	"fmt"

	"busline/internal/geo"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrSeatUnavailable          = errors.New("seat unavailable")
	ErrLockStoreUnavailable     = errors.New("lock store unavailable")
	ErrInvalidCoordinate        = geo.ErrInvalidCoordinate
	ErrRouteUndefined           = errors.New("route undefined")
	ErrDuplicateActiveDeviation = errors.New("active deviation already exists for route")
	ErrNoSeats                  = errors.New("no seats requested")
	ErrInvalidSeat              = errors.New("invalid seat")
	ErrInvalidTrip              = errors.New("invalid trip")
	ErrInvalidRoute             = errors.New("invalid route")
	ErrInvalidStop              = errors.New("invalid stop")
	ErrInvalidReading           = errors.New("invalid gps reading")
	ErrBookingState             = errors.New("invalid booking state")
)

// SeatUnavailableError names the seat that could not be locked or booked.
type SeatUnavailableError struct {
	TripID string
	SeatID string
	Reason string
}

func (e *SeatUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("seat %s on trip %s is unavailable", e.SeatID, e.TripID)
	}
	return fmt.Sprintf("seat %s on trip %s is unavailable: %s", e.SeatID, e.TripID, e.Reason)
}

func (e *SeatUnavailableError) Unwrap() error {
	return ErrSeatUnavailable
}

func SeatUnavailable(tripID, seatID, reason string) error {
	return &SeatUnavailableError{TripID: tripID, SeatID: seatID, Reason: reason}
}
