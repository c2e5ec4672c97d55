// Package httpapi serves the optional local status endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"callpop/internal/events"
	"callpop/internal/metrics"
	"callpop/internal/queue"
	"callpop/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Journal is the read side of the call journal.
type Journal interface {
	ListCalls(ctx context.Context, limit int) ([]store.Call, error)
	Recent(ctx context.Context, limit int) ([]store.Entry, error)
	Health(ctx context.Context) error
}

// Router builds HTTP handlers for the status endpoint. journal may be nil
// when the journal is disabled.
type Router struct {
	state   func() string
	metrics *metrics.Metrics
	queue   *queue.Queue
	bus     *events.Bus
	journal Journal
}

// NewRouter wires the handlers. state reports the manager connection state
// as text, "connected" meaning healthy. bus is the transition bus whose
// drop count is reported with the metrics.
func NewRouter(state func() string, m *metrics.Metrics, q *queue.Queue, bus *events.Bus, journal Journal) *Router {
	return &Router{state: state, metrics: m, queue: q, bus: bus, journal: journal}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", r.health)
	mux.HandleFunc("/metrics", r.snapshot)
	mux.HandleFunc("/calls", r.calls)
	mux.HandleFunc("/events", r.events)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	state := r.state()
	body := map[string]any{"ami": state, "journal": "disabled"}
	code := http.StatusOK
	if state != "connected" {
		code = http.StatusServiceUnavailable
	}
	if r.journal != nil {
		body["journal"] = "ok"
		if err := r.journal.Health(req.Context()); err != nil {
			body["journal"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write json: %v", err)
	}
}

func (r *Router) snapshot(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, map[string]any{
		"counters":    r.metrics.Snapshot(),
		"queue":       r.queue.Stats(),
		"bus_dropped": r.bus.Dropped(),
	})
}

func (r *Router) calls(w http.ResponseWriter, req *http.Request) {
	if r.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	list, err := r.journal.ListCalls(req.Context(), limit(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) events(w http.ResponseWriter, req *http.Request) {
	if r.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	list, err := r.journal.Recent(req.Context(), limit(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func limit(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
