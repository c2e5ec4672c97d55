package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"callpop/internal/correlator"
	"callpop/internal/dedup"
	"callpop/internal/dial"
	"callpop/internal/events"
	"callpop/internal/metrics"
)

type recorder struct {
	mu      sync.Mutex
	actions []correlator.Action
}

func (r *recorder) Notify(a correlator.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

func policy() correlator.Policy {
	return correlator.Policy{
		Extension:       "101",
		IncludeInternal: true,
		RingTTL:         15 * time.Second,
		AnswerTTL:       180 * time.Second,
		TerminalGrace:   time.Minute,
		IdleTimeout:     4 * time.Minute,
	}
}

func begin(key, caller string) dial.Event {
	dir := dial.External
	if len(caller) <= dial.DefaultInternalMaxDigits {
		dir = dial.Internal
	}
	return dial.Event{Kind: dial.Begin, Key: key, DestExt: "101", CallerNum: caller, Direction: dir}
}

func answered(key string) dial.Event {
	return dial.Event{Kind: dial.End, Key: key, DestExt: "101", Disposition: dial.DispositionAnswer}
}

func start(t *testing.T, pol correlator.Policy) (*Pipeline, chan dial.Event, *recorder, *metrics.Metrics, <-chan events.Transition) {
	t.Helper()
	gate := dedup.New(nil)
	rec := &recorder{}
	m := metrics.New()
	bus := events.NewBus()
	sub := bus.Subscribe(32)
	p := New(correlator.New(pol, gate, nil), gate, rec, m, bus)
	p.sweepEvery = 10 * time.Millisecond
	in := make(chan dial.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, in)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, in, rec, m, sub
}

func next(t *testing.T, sub <-chan events.Transition) events.Transition {
	t.Helper()
	select {
	case tr := <-sub:
		return tr
	case <-time.After(time.Second):
		t.Fatal("no transition published")
	}
	return events.Transition{}
}

func TestAnsweredCallNotifiesOnce(t *testing.T) {
	_, in, rec, m, sub := start(t, policy())
	in <- begin("A", "09121234567")
	in <- answered("A")
	in <- answered("A")

	if tr := next(t, sub); tr.Kind != events.KindRing || tr.Caller != "09121234567" {
		t.Fatalf("expected ring, got %+v", tr)
	}
	if tr := next(t, sub); tr.Kind != events.KindAnswer || tr.CallID != "A" {
		t.Fatalf("expected answer, got %+v", tr)
	}
	// a further event proves the duplicate End was fully handled
	in <- dial.Event{Kind: dial.End, Key: "B", DestExt: "101", Disposition: dial.DispositionBusy}
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("expected 1 notify, got %d", rec.count())
	}
	snap := m.Snapshot()
	if snap.Events != 4 || snap.Rings != 1 || snap.Answers != 1 {
		t.Fatalf("unexpected metrics %+v", snap)
	}
}

func TestEndedIsPublished(t *testing.T) {
	_, in, rec, m, sub := start(t, policy())
	in <- begin("C", "09120000000")
	in <- dial.Event{Kind: dial.End, Key: "C", DestExt: "101", Disposition: dial.DispositionNoAnswer}
	next(t, sub)
	tr := next(t, sub)
	if tr.Kind != events.KindEnded || tr.Detail != dial.DispositionNoAnswer {
		t.Fatalf("expected ended NOANSWER, got %+v", tr)
	}
	if rec.count() != 0 || m.Snapshot().Ended != 1 {
		t.Fatalf("ended call must not notify")
	}
}

func TestPolicyUpdateAppliesToLaterEvents(t *testing.T) {
	p, in, rec, _, sub := start(t, policy())
	pol := policy()
	pol.IncludeInternal = false
	p.UpdatePolicy(pol)
	time.Sleep(20 * time.Millisecond)

	in <- begin("I", "205")
	in <- answered("I")
	in <- begin("E", "09121234567")
	if tr := next(t, sub); tr.CallID != "E" {
		t.Fatalf("internal call should be filtered, got %+v", tr)
	}
	if rec.count() != 0 {
		t.Fatalf("unexpected notify")
	}
}

func TestUpdatePolicyKeepsNewest(t *testing.T) {
	p := New(nil, nil, nil, nil, nil)
	a, b := policy(), policy()
	b.Extension = "102"
	p.UpdatePolicy(a)
	p.UpdatePolicy(b)
	got := <-p.policies
	if got.Extension != "102" {
		t.Fatalf("expected newest policy, got %+v", got)
	}
}

func TestSweepUpdatesGauges(t *testing.T) {
	_, in, _, m, sub := start(t, policy())
	in <- begin("G", "09121234567")
	next(t, sub)
	deadline := time.After(time.Second)
	for m.Snapshot().ActiveCalls != 1 || m.Snapshot().DedupEntries != 1 {
		select {
		case <-deadline:
			t.Fatalf("gauges not updated: %+v", m.Snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
