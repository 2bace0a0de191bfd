package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"busline/internal/clock"
	"busline/internal/store"
)

const pingTimeout = 2 * time.Second

type ReadinessProbe interface {
	IsReady() bool
}

// Pinger is a backing service the server cannot work without.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store *store.Store
	clock clock.Clock

	mu      sync.RWMutex
	probes  map[string]ReadinessProbe
	pingers map[string]Pinger
}

func NewHealthHandler(s *store.Store, clk clock.Clock) *HealthHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &HealthHandler{
		store:   s,
		clock:   clk,
		probes:  make(map[string]ReadinessProbe),
		pingers: make(map[string]Pinger),
	}
}

func (h *HealthHandler) AddProbe(name string, p ReadinessProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

func (h *HealthHandler) AddPinger(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingers[name] = p
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type ReadyResponse struct {
	Ready        bool          `json:"ready"`
	Checks       []CheckResult `json:"checks"`
	VehicleCount int           `json:"vehicleCount"`
	ServerTime   time.Time     `json:"serverTime"`
}

// Readyz reports 503 until every probe is ready and every pinger answers.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]CheckResult, 0, len(h.probes)+len(h.pingers))
	for name, p := range h.probes {
		res := CheckResult{Name: name, OK: p.IsReady()}
		if !res.OK {
			res.Detail = "not ready"
		}
		checks = append(checks, res)
	}
	pingers := make(map[string]Pinger, len(h.pingers))
	for name, p := range h.pingers {
		pingers[name] = p
	}
	h.mu.RUnlock()

	for name, p := range pingers {
		res := CheckResult{Name: name, OK: true}
		if err := p.Ping(ctx); err != nil {
			res.OK = false
			res.Detail = err.Error()
		}
		checks = append(checks, res)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	ready := true
	for _, c := range checks {
		ready = ready && c.OK
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, ReadyResponse{
		Ready:        ready,
		Checks:       checks,
		VehicleCount: h.store.Count(),
		ServerTime:   h.clock.Now(),
	})
}
