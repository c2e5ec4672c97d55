package supervisor

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes reconnect delays: Floor * 2^attempt capped at Ceiling,
// plus a random jitter in [0, Jitter*delay).
type BackoffPolicy struct {
	Floor   time.Duration
	Ceiling time.Duration
	Jitter  float64
	// Rand returns a value in [0, n). Defaults to math/rand.
	Rand func(n int64) int64

	attempt int
}

// DefaultBackoff matches the manager keepalive cadence: a quick first retry
// then at most one attempt a minute.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Floor: 2 * time.Second, Ceiling: time.Minute, Jitter: 0.2}
}

// Next returns the delay for the current attempt and advances it.
func (b *BackoffPolicy) Next() time.Duration {
	d := b.Floor
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < b.attempt && d < b.Ceiling; i++ {
		d *= 2
	}
	if b.Ceiling > 0 && d > b.Ceiling {
		d = b.Ceiling
	}
	if b.attempt < 64 {
		b.attempt++
	}
	if b.Jitter > 0 {
		if span := int64(float64(d) * b.Jitter); span > 0 {
			rnd := b.Rand
			if rnd == nil {
				rnd = rand.Int63n
			}
			d += time.Duration(rnd(span))
		}
	}
	return d
}

// Reset returns the delay to Floor.
func (b *BackoffPolicy) Reset() { b.attempt = 0 }
