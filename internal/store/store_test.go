package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"callpop/internal/events"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	trs := []events.Transition{
		{Kind: events.KindRing, CallID: "1706871234.56", Caller: "0912", Extension: "101", At: base},
		{Kind: events.KindAnswer, CallID: "1706871234.56", Caller: "0912", Extension: "101", At: base.Add(5 * time.Second)},
		{Kind: events.KindOpen, CallID: "1706871234.56", Caller: "0912", Extension: "101", Detail: "opened", At: base.Add(6 * time.Second)},
		{Kind: events.KindConnection, Detail: "connected -> backoff", At: base.Add(7 * time.Second)},
	}
	for _, tr := range trs {
		if err := s.Record(ctx, tr); err != nil {
			t.Fatalf("record %s: %v", tr.Kind, err)
		}
	}

	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[0].Kind != string(events.KindConnection) || entries[3].Kind != string(events.KindRing) {
		t.Fatalf("entries not newest first: %+v", entries)
	}
	if !entries[3].CreatedAt.Equal(base) {
		t.Fatalf("timestamp not preserved: %v", entries[3].CreatedAt)
	}

	calls, err := s.ListCalls(ctx, 10)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("connection transitions must not create calls: %+v", calls)
	}
	if calls[0].Status != "open:opened" || calls[0].Caller != "0912" {
		t.Fatalf("unexpected call summary %+v", calls[0])
	}
}

func TestRecentLimit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Record(ctx, events.Transition{Kind: events.KindRing, CallID: "c"}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestFollowDrainsUntilClosed(t *testing.T) {
	s := openTest(t)
	bus := events.NewBus()
	ch := bus.Subscribe(8)
	done := make(chan struct{})
	go func() {
		s.Follow(context.Background(), ch)
		close(done)
	}()
	bus.Publish(events.Transition{Kind: events.KindEnded, CallID: "x", Detail: "BUSY"})
	bus.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not return after bus close")
	}
	calls, err := s.ListCalls(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Status != "ended:BUSY" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestHealth(t *testing.T) {
	s := openTest(t)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	s.Close()
	if err := s.Health(context.Background()); err == nil {
		t.Fatal("expected error after close")
	}
}
