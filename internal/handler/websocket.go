package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"busline/internal/domain"
	"busline/internal/hub"
	"busline/internal/store"
)

// maxBBoxTiles bounds how many tiles one bbox subscription may expand to.
const maxBBoxTiles = 256

type WSHandler struct {
	hub       *hub.Hub
	store     *store.Store
	zoomLevel int
	logger    *slog.Logger
}

func NewWSHandler(h *hub.Hub, s *store.Store, zoomLevel int, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, store: s, zoomLevel: zoomLevel, logger: logger.With("component", "websocket")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload selects vehicles by map tile or bounding box and seat
// or deviation events by trip.
type SubscribePayload struct {
	TileIDs []string            `json:"tileIds"`
	TripIDs []string            `json:"tripIds"`
	BBox    *domain.BoundingBox `json:"bbox,omitempty"`
}

type UnsubscribePayload struct {
	TileIDs []string `json:"tileIds"`
	TripIDs []string `json:"tripIds"`
}

type SnapshotMessage struct {
	Type    string          `json:"type"`
	Payload SnapshotPayload `json:"payload"`
}

type SnapshotPayload struct {
	Vehicles []*domain.Vehicle `json:"vehicles"`
	TileIDs  []string          `json:"tileIds,omitempty"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, 256)

	h.hub.Register(client)
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		ServerStats.IncWSMessagesIn()

		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var payload SubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			h.subscribe(client, payload)

		case "unsubscribe":
			var payload UnsubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.TileIDs) > 0 {
				h.hub.Unsubscribe(client, payload.TileIDs)
			}
			if len(payload.TripIDs) > 0 {
				h.hub.UnsubscribeTrips(client, payload.TripIDs)
			}

		case "ping":
			h.reply(client, PongMessage{Type: "pong"})
		}
	}
}

func (h *WSHandler) subscribe(client *hub.Client, payload SubscribePayload) {
	tileIDs := payload.TileIDs
	if payload.BBox != nil {
		bboxTiles := hub.TilesInBBox(*payload.BBox, h.zoomLevel)
		if len(bboxTiles) > maxBBoxTiles {
			h.reply(client, ErrorMessage{Type: "error", Error: "bbox covers too many tiles"})
			return
		}
		tileIDs = append(tileIDs, bboxTiles...)
	}

	if len(tileIDs) > 0 {
		h.hub.Subscribe(client, tileIDs)
	}
	if len(payload.TripIDs) > 0 {
		h.hub.SubscribeTrips(client, payload.TripIDs)
	}
	if len(tileIDs) == 0 && len(payload.TripIDs) == 0 {
		return
	}

	vehicles := h.store.SnapshotForTiles(tileIDs)
	for _, tripID := range payload.TripIDs {
		if v, ok := h.store.ForTrip(tripID); ok {
			vehicles = append(vehicles, v)
		}
	}
	h.reply(client, SnapshotMessage{
		Type: "snapshot",
		Payload: SnapshotPayload{
			Vehicles: vehicles,
			TileIDs:  tileIDs,
		},
	})
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) reply(client *hub.Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case client.Send <- data:
	default:
		h.logger.Debug("client buffer full, dropping reply", "client_id", client.ID)
	}
}
