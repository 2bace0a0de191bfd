package domain

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

type Passenger struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

type Booking struct {
	ID          string        `json:"id"`
	TripID      string        `json:"tripId"`
	Holder      string        `json:"holder"`
	SeatIDs     []string      `json:"seatIds"`
	Passenger   Passenger     `json:"passenger"`
	Status      BookingStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	ConfirmedAt *time.Time    `json:"confirmedAt,omitempty"`
	CancelledAt *time.Time    `json:"cancelledAt,omitempty"`
}

func (b *Booking) Clone() *Booking {
	c := *b
	c.SeatIDs = append([]string(nil), b.SeatIDs...)
	return &c
}
