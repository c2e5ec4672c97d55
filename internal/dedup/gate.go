// Package dedup suppresses repeated actions for the same key inside a time
// window. Each class (ring, answer, open) is an independent bucket with its
// own TTL supplied per call.
package dedup

import (
	"sync"
	"time"
)

// Classes used by the correlator and dispatcher.
const (
	ClassRing   = "ring"
	ClassAnswer = "answer"
	ClassOpen   = "open"
)

type entryKey struct {
	class string
	key   string
}

// Gate remembers when each (class, key) may fire again. The mutex is held
// only across map access.
type Gate struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[entryKey]time.Time
}

// New returns a Gate reading time from now; nil means time.Now.
func New(now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{now: now, entries: make(map[entryKey]time.Time)}
}

// Allow returns true and arms the window when no live entry exists for
// (class, key); otherwise it returns false and leaves the entry untouched.
// An entry whose expiry has been reached counts as absent.
func (g *Gate) Allow(class, key string, ttl time.Duration) bool {
	now := g.now()
	k := entryKey{class: class, key: key}
	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, ok := g.entries[k]; ok && now.Before(exp) {
		return false
	}
	g.entries[k] = now.Add(ttl)
	return true
}

// Purge drops expired entries and returns how many were removed.
func (g *Gate) Purge() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, exp := range g.entries {
		if !now.Before(exp) {
			delete(g.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, expired ones included.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
