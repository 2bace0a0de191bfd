package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"busline/internal/domain"
	"busline/internal/reservation"
)

type Reservations interface {
	SeatMap(ctx context.Context, tripID string) ([]domain.Seat, error)
	RequestSeats(ctx context.Context, tripID string, seatIDs []string, holder string) ([]reservation.LockedSeat, error)
	Reserve(ctx context.Context, tripID string, seatIDs []string, holder string, passenger domain.Passenger) (*domain.Booking, error)
	ConfirmBooking(ctx context.Context, bookingID string) (*domain.Booking, error)
	CancelBooking(ctx context.Context, bookingID string) (*domain.Booking, error)
}

type BookingHandler struct {
	reservations Reservations
	logger       *slog.Logger
}

func NewBookingHandler(r Reservations, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{reservations: r, logger: logger.With("component", "booking_handler")}
}

type SeatsResponse struct {
	TripID string        `json:"tripId"`
	Seats  []domain.Seat `json:"seats"`
	Count  int           `json:"count"`
}

type LockSeatsRequest struct {
	SeatIDs []string `json:"seatIds" validate:"required,min=1,dive,required"`
	Holder  string   `json:"holder" validate:"required,max=128"`
}

type LockSeatsResponse struct {
	Locks []reservation.LockedSeat `json:"locks"`
}

type ReservationRequest struct {
	SeatIDs   []string         `json:"seatIds" validate:"required,min=1,dive,required"`
	Holder    string           `json:"holder" validate:"required,max=128"`
	Passenger PassengerRequest `json:"passenger"`
}

type PassengerRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Contact string `json:"contact" validate:"omitempty,max=200"`
}

func (h *BookingHandler) GetSeats(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("id")
	seats, err := h.reservations.SeatMap(r.Context(), tripID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SeatsResponse{TripID: tripID, Seats: seats, Count: len(seats)})
}

// LockSeats holds seats for a client without creating a booking.
func (h *BookingHandler) LockSeats(w http.ResponseWriter, r *http.Request) {
	var req LockSeatsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	locks, err := h.reservations.RequestSeats(r.Context(), r.PathValue("id"), req.SeatIDs, req.Holder)
	if err != nil {
		h.logger.Debug("seat request refused", "trip_id", r.PathValue("id"), "holder", req.Holder, "error", err)
		respondDomainError(w, err)
		return
	}
	h.logger.Debug("seat request served", "trip_id", r.PathValue("id"), "seats", len(locks), "duration_ms", time.Since(start).Milliseconds())
	respondJSON(w, http.StatusCreated, LockSeatsResponse{Locks: locks})
}

func (h *BookingHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.reservations.Reserve(r.Context(), r.PathValue("id"), req.SeatIDs, req.Holder, domain.Passenger{
		Name:    req.Passenger.Name,
		Contact: req.Passenger.Contact,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (h *BookingHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.reservations.ConfirmBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.reservations.CancelBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}
