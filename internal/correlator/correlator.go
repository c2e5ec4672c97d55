// Package correlator folds dial events into per-call records and decides
// which transitions are worth acting on.
//
// A Correlator is owned by a single goroutine (the pipeline worker). It is
// not safe for concurrent use.
package correlator

import (
	"time"

	"callpop/internal/dedup"
	"callpop/internal/dial"
)

const sweepInterval = 5 * time.Second

// Policy is the tunable part of correlation. It can be swapped between
// events with SetPolicy.
type Policy struct {
	Extension       string
	IncludeInternal bool
	RingTTL         time.Duration
	AnswerTTL       time.Duration
	TerminalGrace   time.Duration
	IdleTimeout     time.Duration
}

// ActionKind says what the pipeline should do with an Action.
type ActionKind int

const (
	// ActionRing asks for a ring notice in the log.
	ActionRing ActionKind = iota + 1
	// ActionAnswer is an answered call to hand to the dispatcher.
	ActionAnswer
	// ActionEnded records a terminal disposition other than ANSWER.
	ActionEnded
)

func (k ActionKind) String() string {
	switch k {
	case ActionRing:
		return "ring"
	case ActionAnswer:
		return "answer"
	case ActionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Action is the outcome of handling one event.
type Action struct {
	Kind        ActionKind
	CallID      string
	Caller      string
	Extension   string
	Disposition string
	At          time.Time
}

// Record is the tracked state of one logical call.
type Record struct {
	Key        string
	Caller     string
	Extension  string
	FirstSeen  time.Time
	LastSeen   time.Time
	RingLogged bool
	Answered   bool
	TerminalAt time.Time
}

// Correlator tracks calls to the watched extension.
type Correlator struct {
	policy    Policy
	gate      *dedup.Gate
	now       func() time.Time
	calls     map[string]*Record
	lastSweep time.Time
}

// New builds a Correlator. gate supplies the ring and answer classes.
func New(p Policy, gate *dedup.Gate, now func() time.Time) *Correlator {
	if now == nil {
		now = time.Now
	}
	return &Correlator{
		policy: p,
		gate:   gate,
		now:    now,
		calls:  make(map[string]*Record),
	}
}

// Policy returns the active policy.
func (c *Correlator) Policy() Policy { return c.policy }

// SetPolicy replaces the policy. Existing records are kept.
func (c *Correlator) SetPolicy(p Policy) { c.policy = p }

// Len reports how many calls are tracked.
func (c *Correlator) Len() int { return len(c.calls) }

// Lookup returns a copy of the record for key.
func (c *Correlator) Lookup(key string) (Record, bool) {
	r, ok := c.calls[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Handle applies ev and returns at most one Action.
func (c *Correlator) Handle(ev dial.Event) (Action, bool) {
	now := c.now()
	if now.Sub(c.lastSweep) >= sweepInterval {
		c.sweep(now)
	}
	if !ev.TargetsExtension(c.policy.Extension) {
		return Action{}, false
	}
	switch ev.Kind {
	case dial.Begin:
		return c.begin(ev, now)
	case dial.End:
		return c.end(ev, now)
	}
	return Action{}, false
}

func (c *Correlator) begin(ev dial.Event, now time.Time) (Action, bool) {
	ext := c.policy.Extension
	if ev.CallerNum == "" || ev.CallerNum == ext {
		return Action{}, false
	}
	if ev.Direction == dial.Internal && !c.policy.IncludeInternal {
		return Action{}, false
	}

	rec, ok := c.calls[ev.Key]
	if !ok {
		rec = &Record{Key: ev.Key, Caller: ev.CallerNum, Extension: ext, FirstSeen: now}
		c.calls[ev.Key] = rec
	} else if rec.Caller == "" {
		rec.Caller = ev.CallerNum
	}
	rec.LastSeen = now
	// queue retries re-dial the same call after a NOANSWER leg
	if !rec.Answered {
		rec.TerminalAt = time.Time{}
	}

	if rec.RingLogged {
		return Action{}, false
	}
	rec.RingLogged = true
	if !c.gate.Allow(dedup.ClassRing, ev.Key, c.policy.RingTTL) {
		return Action{}, false
	}
	return Action{Kind: ActionRing, CallID: ev.Key, Caller: rec.Caller, Extension: ext, At: now}, true
}

func (c *Correlator) end(ev dial.Event, now time.Time) (Action, bool) {
	rec, ok := c.calls[ev.Key]
	if !ok {
		return Action{}, false
	}
	rec.LastSeen = now
	if rec.Answered {
		return Action{}, false
	}
	if !ev.Answered() {
		if !rec.TerminalAt.IsZero() {
			return Action{}, false
		}
		rec.TerminalAt = now
		return Action{Kind: ActionEnded, CallID: ev.Key, Caller: rec.Caller, Extension: rec.Extension, Disposition: ev.Disposition, At: now}, true
	}
	rec.Answered = true
	rec.TerminalAt = now
	if !c.gate.Allow(dedup.ClassAnswer, ev.Key, c.policy.AnswerTTL) {
		return Action{}, false
	}
	caller := rec.Caller
	if caller == "" {
		caller = ev.CallerNum
	}
	return Action{Kind: ActionAnswer, CallID: ev.Key, Caller: caller, Extension: rec.Extension, Disposition: ev.Disposition, At: now}, true
}

// Sweep evicts finished and idle records and returns how many were removed.
func (c *Correlator) Sweep() int {
	return c.sweep(c.now())
}

func (c *Correlator) sweep(now time.Time) int {
	c.lastSweep = now
	n := 0
	for key, r := range c.calls {
		if !r.TerminalAt.IsZero() {
			if now.Sub(r.TerminalAt) >= c.policy.TerminalGrace {
				delete(c.calls, key)
				n++
			}
			continue
		}
		if now.Sub(r.LastSeen) >= c.policy.IdleTimeout {
			delete(c.calls, key)
			n++
		}
	}
	return n
}
