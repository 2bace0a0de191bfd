package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"busline/internal/middleware"
	"busline/internal/store"
)

// Stats tracks server-wide counters
type Stats struct {
	startTime     time.Time
	requestCount  atomic.Int64
	wsConnections atomic.Int64
	wsMessagesIn  atomic.Int64
	wsMessagesOut atomic.Int64
}

// Global stats instance
var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()      { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections() { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections() { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()  { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut() { s.wsMessagesOut.Add(1) }

type ClientCounter interface {
	ClientCount() int
}

type LockTracker interface {
	Tracked() int
}

type IngestStats interface {
	QueueDepth() int
	Processed() int64
}

type LimiterStats interface {
	Stats() middleware.Stats
}

type StatsHandler struct {
	vehicles *store.Store
	hub      ClientCounter
	locks    LockTracker
	ingest   IngestStats
	limiter  LimiterStats
}

func NewStatsHandler(vehicles *store.Store, hub ClientCounter, locks LockTracker, ingest IngestStats, limiter LimiterStats) *StatsHandler {
	return &StatsHandler{
		vehicles: vehicles,
		hub:      hub,
		locks:    locks,
		ingest:   ingest,
		limiter:  limiter,
	}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Vehicles  VehicleStatsResponse   `json:"vehicles"`
	Ingest    IngestStatsResponse    `json:"ingest"`
	Locks     LockStatsResponse      `json:"locks"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	RateLimit *middleware.Stats      `json:"rate_limit,omitempty"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	Version       string    `json:"version"`
}

type VehicleStatsResponse struct {
	Total int `json:"total"`
}

type IngestStatsResponse struct {
	QueueDepth int   `json:"queue_depth"`
	Processed  int64 `json:"processed"`
}

type LockStatsResponse struct {
	Tracked int `json:"tracked"`
}

type WebSocketStatsResponse struct {
	Clients     int   `json:"clients"`
	Connections int64 `json:"connections"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(ServerStats.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			Version:       "1.0.0",
		},
		Vehicles: VehicleStatsResponse{
			Total: h.vehicles.Count(),
		},
		WebSocket: WebSocketStatsResponse{
			Connections: ServerStats.wsConnections.Load(),
			MessagesIn:  ServerStats.wsMessagesIn.Load(),
			MessagesOut: ServerStats.wsMessagesOut.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}
	if h.hub != nil {
		response.WebSocket.Clients = h.hub.ClientCount()
	}
	if h.ingest != nil {
		response.Ingest = IngestStatsResponse{QueueDepth: h.ingest.QueueDepth(), Processed: h.ingest.Processed()}
	}
	if h.locks != nil {
		response.Locks.Tracked = h.locks.Tracked()
	}
	if h.limiter != nil {
		s := h.limiter.Stats()
		response.RateLimit = &s
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}
