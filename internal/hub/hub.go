package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"busline/internal/domain"
)

type Client struct {
	ID    string
	Send  chan []byte
	tiles map[string]struct{}
	trips map[string]struct{}
	mu    sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		tiles: make(map[string]struct{}),
		trips: make(map[string]struct{}),
	}
}

func (c *Client) HasTile(tileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tiles[tileID]
	return ok
}

func (c *Client) HasTrip(tripID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.trips[tripID]
	return ok
}

func addAll(set map[string]struct{}, ids []string) {
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

func removeAll(set map[string]struct{}, ids []string) {
	for _, id := range ids {
		delete(set, id)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (c *Client) GetTiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keys(c.tiles)
}

func (c *Client) GetTrips() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keys(c.trips)
}

type tripEvent struct {
	tripID string
	data   []byte
}

// Hub fans vehicle deltas out to tile subscribers and seat or deviation
// events out to trip subscribers.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	tileClients map[string]map[*Client]struct{}
	tripClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []domain.VehicleDelta
	events     chan tripEvent

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		tileClients: make(map[string]map[*Client]struct{}),
		tripClients: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan []domain.VehicleDelta, 256),
		events:      make(chan tripEvent, 256),
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case deltas := <-h.broadcast:
			h.fanoutDeltas(deltas)

		case ev := <-h.events:
			h.fanoutTripEvent(ev)
		}
	}
}

func subscribe(index map[string]map[*Client]struct{}, client *Client, ids []string) {
	for _, id := range ids {
		if index[id] == nil {
			index[id] = make(map[*Client]struct{})
		}
		index[id][client] = struct{}{}
	}
}

func unsubscribe(index map[string]map[*Client]struct{}, client *Client, ids []string) {
	for _, id := range ids {
		if index[id] != nil {
			delete(index[id], client)
			if len(index[id]) == 0 {
				delete(index, id)
			}
		}
	}
}

func (h *Hub) Subscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	addAll(client.tiles, tileIDs)
	client.mu.Unlock()
	subscribe(h.tileClients, client, tileIDs)
}

func (h *Hub) Unsubscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	removeAll(client.tiles, tileIDs)
	client.mu.Unlock()
	unsubscribe(h.tileClients, client, tileIDs)
}

func (h *Hub) SubscribeTrips(client *Client, tripIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	addAll(client.trips, tripIDs)
	client.mu.Unlock()
	subscribe(h.tripClients, client, tripIDs)
}

func (h *Hub) UnsubscribeTrips(client *Client, tripIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	removeAll(client.trips, tripIDs)
	client.mu.Unlock()
	unsubscribe(h.tripClients, client, tripIDs)
}

func (h *Hub) Broadcast(deltas []domain.VehicleDelta) {
	if len(deltas) == 0 {
		return
	}
	select {
	case h.broadcast <- deltas:
	default:
		h.logger.Warn("broadcast channel full, dropping deltas", "count", len(deltas))
	}
}

type SeatMessage struct {
	Type    string      `json:"type"`
	TripID  string      `json:"tripId"`
	Payload domain.Seat `json:"payload"`
}

// SeatChanged pushes a seat's new state to the trip's subscribers.
func (h *Hub) SeatChanged(tripID string, seat domain.Seat) {
	h.publish(tripID, SeatMessage{Type: "seat", TripID: tripID, Payload: seat})
}

type DeviationMessage struct {
	Type    string           `json:"type"`
	TripID  string           `json:"tripId"`
	Payload DeviationPayload `json:"payload"`
}

type DeviationPayload struct {
	Deviation      domain.Deviation `json:"deviation"`
	ETAs           []domain.StopETA `json:"etas"`
	RevisedArrival time.Time        `json:"revisedArrival"`
}

func (h *Hub) BroadcastDeviation(tripID string, d domain.Deviation, etas []domain.StopETA, revisedArrival time.Time) {
	h.publish(tripID, DeviationMessage{
		Type:   "deviation",
		TripID: tripID,
		Payload: DeviationPayload{
			Deviation:      d,
			ETAs:           etas,
			RevisedArrival: revisedArrival,
		},
	})
}

func (h *Hub) publish(tripID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode trip event", "trip_id", tripID, "error", err)
		return
	}
	select {
	case h.events <- tripEvent{tripID: tripID, data: data}:
	default:
		h.logger.Warn("event channel full, dropping trip event", "trip_id", tripID)
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type DeltaMessage struct {
	Type    string       `json:"type"`
	Payload DeltaPayload `json:"payload"`
}

type DeltaPayload struct {
	Updates []*domain.Vehicle `json:"updates,omitempty"`
	Removes []string          `json:"removes,omitempty"`
}

func (h *Hub) fanoutDeltas(deltas []domain.VehicleDelta) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientDeltas := make(map[*Client][]domain.VehicleDelta)

	for _, d := range deltas {
		for client := range h.tileClients[d.TileID] {
			clientDeltas[client] = append(clientDeltas[client], d)
		}
	}

	for client, ds := range clientDeltas {
		data, err := json.Marshal(buildDeltaMessage(ds))
		if err != nil {
			continue
		}
		h.send(client, data)
	}
}

func (h *Hub) fanoutTripEvent(ev tripEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.tripClients[ev.tripID] {
		h.send(client, ev.data)
	}
}

func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Debug("client send buffer full", "client_id", client.ID)
	}
}

func buildDeltaMessage(deltas []domain.VehicleDelta) DeltaMessage {
	var updates []*domain.Vehicle
	var removes []string

	for _, d := range deltas {
		switch d.Type {
		case domain.DeltaUpdate:
			updates = append(updates, d.Vehicle)
		case domain.DeltaRemove:
			removes = append(removes, d.Key)
		}
	}

	return DeltaMessage{
		Type: "delta",
		Payload: DeltaPayload{
			Updates: updates,
			Removes: removes,
		},
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	unsubscribe(h.tileClients, client, client.GetTiles())
	unsubscribe(h.tripClients, client, client.GetTrips())

	delete(h.clients, client)
	close(client.Send)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.tileClients = make(map[string]map[*Client]struct{})
	h.tripClients = make(map[string]map[*Client]struct{})
}
