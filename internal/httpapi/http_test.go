package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"callpop/internal/events"
	"callpop/internal/metrics"
	"callpop/internal/queue"
	"callpop/internal/store"
)

func setupTest(t *testing.T, state string, withJournal bool) (*http.ServeMux, *metrics.Metrics, *store.Store) {
	mux, m, st, _ := setupWithBus(t, state, withJournal)
	return mux, m, st
}

func setupWithBus(t *testing.T, state string, withJournal bool) (*http.ServeMux, *metrics.Metrics, *store.Store, *events.Bus) {
	t.Helper()
	m := metrics.New()
	bus := events.NewBus()
	q := queue.New(4, 0, time.Second)
	var journal Journal
	var st *store.Store
	if withJournal {
		var err error
		st, err = store.Open(filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { st.Close() })
		journal = st
	}
	router := NewRouter(func() string { return state }, m, q, bus, journal)
	mux := http.NewServeMux()
	router.Register(mux)
	return mux, m, st, bus
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		state   string
		journal bool
		want    int
	}{
		{"connected", true, http.StatusOK},
		{"connected", false, http.StatusOK},
		{"backoff", true, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		mux, _, _ := setupTest(t, tt.state, tt.journal)
		rr := get(mux, "/healthz")
		if rr.Code != tt.want {
			t.Fatalf("state %s journal %v: expected %d, got %d", tt.state, tt.journal, tt.want, rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ami"] != tt.state {
			t.Fatalf("unexpected body %v", body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux, m, _ := setupTest(t, "connected", false)
	m.IncEvents()
	m.IncAnswers()
	rr := get(mux, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var body struct {
		Counters metrics.Snapshot `json:"counters"`
		Queue    queue.Stats      `json:"queue"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Counters.Events != 1 || body.Counters.Answers != 1 || body.Queue.Capacity != 4 {
		t.Fatalf("unexpected metrics %+v", body)
	}
}

func TestMetricsReportsBusDrops(t *testing.T) {
	mux, _, _, bus := setupWithBus(t, "connected", false)
	bus.Subscribe(1)
	bus.Publish(events.Transition{Kind: events.KindRing, CallID: "1"})
	bus.Publish(events.Transition{Kind: events.KindAnswer, CallID: "1"})

	rr := get(mux, "/metrics")
	var body struct {
		BusDropped uint64 `json:"bus_dropped"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.BusDropped != 1 {
		t.Fatalf("expected 1 dropped transition, got %d", body.BusDropped)
	}
}

func TestCallsEndpoint(t *testing.T) {
	mux, _, st := setupTest(t, "connected", true)
	ctx := context.Background()
	st.Record(ctx, events.Transition{Kind: events.KindRing, CallID: "1.1", Caller: "0912", Extension: "101"})
	st.Record(ctx, events.Transition{Kind: events.KindAnswer, CallID: "1.1", Caller: "0912", Extension: "101"})

	rr := get(mux, "/calls?limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var calls []store.Call
	if err := json.Unmarshal(rr.Body.Bytes(), &calls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != "answer" {
		t.Fatalf("unexpected calls %+v", calls)
	}

	rr = get(mux, "/events")
	var entries []store.Entry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestCallsWithoutJournal(t *testing.T) {
	mux, _, _ := setupTest(t, "connected", false)
	if rr := get(mux, "/calls"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
