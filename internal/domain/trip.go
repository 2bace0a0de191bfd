package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type SeatSide string

const (
	SeatSideLeft  SeatSide = "left"
	SeatSideRight SeatSide = "right"
)

// SeatStatus is the reservation state of a single seat.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatLocked    SeatStatus = "locked"
	SeatBooked    SeatStatus = "booked"
)

var seatIDPattern = regexp.MustCompile(`^[RLrl]\d+[A-Za-z0-9]*$`)

type Seat struct {
	ID     string     `json:"id"`
	Side   SeatSide   `json:"side"`
	Row    string     `json:"row"`
	Column string     `json:"column"`
	Status SeatStatus `json:"status"`

	// Holder is set while the seat is Locked.
	Holder      string    `json:"holder,omitempty"`
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
	// BookingID is set while the seat is Booked.
	BookingID string `json:"bookingId,omitempty"`
}

// Validate checks the identifier format and that its R/L prefix agrees
// with the declared side.
func (s Seat) Validate() error {
	if !seatIDPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: id %q must look like R<row><col> or L<row><col>", ErrInvalidSeat, s.ID)
	}
	if s.Row == "" || s.Column == "" {
		return fmt.Errorf("%w: seat %s needs row and column identifiers", ErrInvalidSeat, s.ID)
	}

	prefix := strings.ToUpper(s.ID[:1])
	switch s.Side {
	case SeatSideRight:
		if prefix != "R" {
			return fmt.Errorf("%w: right side seat %s must start with R", ErrInvalidSeat, s.ID)
		}
	case SeatSideLeft:
		if prefix != "L" {
			return fmt.Errorf("%w: left side seat %s must start with L", ErrInvalidSeat, s.ID)
		}
	default:
		return fmt.Errorf("%w: seat %s has unknown side %q", ErrInvalidSeat, s.ID, s.Side)
	}
	return nil
}

type Trip struct {
	ID             string     `json:"id"`
	RouteID        string     `json:"routeId"`
	VehicleID      string     `json:"vehicleId"`
	Departure      time.Time  `json:"departure"`
	Arrival        time.Time  `json:"arrival"`
	RevisedArrival *time.Time `json:"revisedArrival,omitempty"`
	Seats          []Seat     `json:"seats"`
}

func (t Trip) Validate() error {
	if !t.Departure.Before(t.Arrival) {
		return fmt.Errorf("%w: trip %s departs at or after its arrival", ErrInvalidTrip, t.ID)
	}
	seen := make(map[string]struct{}, len(t.Seats))
	for _, s := range t.Seats {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: trip %s lists seat %s twice", ErrInvalidTrip, t.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("trip %s: %w", t.ID, err)
		}
	}
	return nil
}

// Progress is the elapsed fraction of the scheduled duration at now,
// clamped to [0, 1]. It reports false when the duration is not positive.
func (t Trip) Progress(now time.Time) (float64, bool) {
	total := t.Arrival.Sub(t.Departure)
	if total <= 0 {
		return 0, false
	}
	p := float64(now.Sub(t.Departure)) / float64(total)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p, true
}

// InProgress reports whether now falls within [Departure, Arrival).
func (t Trip) InProgress(now time.Time) bool {
	return !now.Before(t.Departure) && now.Before(t.Arrival)
}

func (t Trip) Seat(id string) (Seat, bool) {
	for _, s := range t.Seats {
		if s.ID == id {
			return s, true
		}
	}
	return Seat{}, false
}

// SeatState is the mutable part of a Seat written through the repository.
type SeatState struct {
	Status      SeatStatus
	Holder      string
	LockedUntil time.Time
	BookingID   string
}

func AvailableState() SeatState {
	return SeatState{Status: SeatAvailable}
}

func LockedState(holder string, until time.Time) SeatState {
	return SeatState{Status: SeatLocked, Holder: holder, LockedUntil: until}
}

func BookedState(bookingID string) SeatState {
	return SeatState{Status: SeatBooked, BookingID: bookingID}
}

func (s *Seat) Apply(state SeatState) {
	s.Status = state.Status
	s.Holder = state.Holder
	s.LockedUntil = state.LockedUntil
	s.BookingID = state.BookingID
}

func (s Seat) State() SeatState {
	return SeatState{Status: s.Status, Holder: s.Holder, LockedUntil: s.LockedUntil, BookingID: s.BookingID}
}
