package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"busline/internal/clock"
	"busline/internal/domain"
	"busline/internal/store"
)

var validate = validator.New()

type HTTPHandler struct {
	store *store.Store
	clock clock.Clock
}

func NewHTTPHandler(store *store.Store, clk clock.Clock) *HTTPHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &HTTPHandler{store: store, clock: clk}
}

type VehiclesResponse struct {
	Vehicles   []*domain.Vehicle `json:"vehicles"`
	Count      int               `json:"count"`
	ServerTime time.Time         `json:"serverTime"`
}

func (h *HTTPHandler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		RouteID: r.URL.Query().Get("route"),
	}

	if bboxStr := r.URL.Query().Get("bbox"); bboxStr != "" {
		parts := strings.Split(bboxStr, ",")
		if len(parts) != 4 {
			respondError(w, http.StatusBadRequest, "invalid bbox format: expected minLat,minLon,maxLat,maxLon")
			return
		}
		bbox, err := parseBBox(parts)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox values: "+err.Error())
			return
		}
		opts.BBox = bbox
	}

	vehicles := h.store.List(opts)

	respondJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles:   vehicles,
		Count:      len(vehicles),
		ServerTime: h.clock.Now(),
	})
}

func (h *HTTPHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "missing vehicle key")
		return
	}

	vehicle, ok := h.store.Get(key)
	if !ok {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	respondJSON(w, http.StatusOK, vehicle)
}

func parseBBox(parts []string) (*domain.BoundingBox, error) {
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		v[i] = f
	}
	bb := &domain.BoundingBox{
		MinLat: v[0], MinLon: v[1],
		MaxLat: v[2], MaxLon: v[3],
	}
	if bb.MinLat > bb.MaxLat || bb.MinLon > bb.MaxLon {
		return nil, errors.New("min must not exceed max")
	}
	return bb, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads a JSON body into dst and runs its validate tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid field %s: failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// respondDomainError maps domain errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var unavailable *domain.SeatUnavailableError
	switch {
	case errors.As(err, &unavailable):
		respondJSON(w, http.StatusConflict, seatConflictResponse{
			Error:  err.Error(),
			SeatID: unavailable.SeatID,
		})
	case errors.Is(err, domain.ErrBookingState):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLockStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrRouteUndefined):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInvalidCoordinate),
		errors.Is(err, domain.ErrInvalidReading),
		errors.Is(err, domain.ErrInvalidSeat),
		errors.Is(err, domain.ErrInvalidTrip),
		errors.Is(err, domain.ErrInvalidRoute),
		errors.Is(err, domain.ErrInvalidStop),
		errors.Is(err, domain.ErrNoSeats):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

type seatConflictResponse struct {
	Error  string `json:"error"`
	SeatID string `json:"seatId"`
}
