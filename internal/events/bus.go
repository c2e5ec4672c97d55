package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a call or connection transition.
type Kind string

const (
	KindRing       Kind = "ring"
	KindAnswer     Kind = "answer"
	KindEnded      Kind = "ended"
	KindOpen       Kind = "open"
	KindConnection Kind = "connection"
)

// Transition is one observable state change.
type Transition struct {
	Kind      Kind      `json:"kind"`
	CallID    string    `json:"call_id,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Extension string    `json:"extension,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Bus provides simple in-process pub/sub for observability. Publish never
// blocks; a subscriber that falls behind loses events.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Transition
	closed  bool
	dropped atomic.Uint64
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(buffer int) <-chan Transition {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev Transition) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Dropped reports events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
