// Package pipeline is the single consumer of dial events. It owns the
// correlator, applies policy updates between events and sweeps expired
// state on a timer.
package pipeline

import (
	"context"
	"log"
	"time"

	"callpop/internal/correlator"
	"callpop/internal/dedup"
	"callpop/internal/dial"
	"callpop/internal/events"
	"callpop/internal/metrics"
)

// DefaultSweepEvery matches the correlator's own lazy sweep cadence.
const DefaultSweepEvery = 5 * time.Second

// Notifier receives answered calls. Notify must not block.
type Notifier interface {
	Notify(correlator.Action)
}

// Pipeline runs the correlation loop.
type Pipeline struct {
	corr       *correlator.Correlator
	gate       *dedup.Gate
	notifier   Notifier
	metrics    *metrics.Metrics
	bus        *events.Bus
	policies   chan correlator.Policy
	sweepEvery time.Duration
}

// New builds a Pipeline. metrics and bus may be nil.
func New(corr *correlator.Correlator, gate *dedup.Gate, notifier Notifier, m *metrics.Metrics, bus *events.Bus) *Pipeline {
	return &Pipeline{
		corr:       corr,
		gate:       gate,
		notifier:   notifier,
		metrics:    m,
		bus:        bus,
		policies:   make(chan correlator.Policy, 1),
		sweepEvery: DefaultSweepEvery,
	}
}

// UpdatePolicy queues p for the loop. Only the newest pending policy is
// kept. Safe to call from any goroutine.
func (p *Pipeline) UpdatePolicy(pol correlator.Policy) {
	for {
		select {
		case p.policies <- pol:
			return
		default:
		}
		select {
		case <-p.policies:
		default:
		}
	}
}

// Run consumes in until ctx ends or in is closed.
func (p *Pipeline) Run(ctx context.Context, in <-chan dial.Event) error {
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			p.handle(ev)
		case pol := <-p.policies:
			p.corr.SetPolicy(pol)
			log.Printf("pipeline: policy updated ext=%s include_internal=%v", pol.Extension, pol.IncludeInternal)
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pipeline) handle(ev dial.Event) {
	if p.metrics != nil {
		p.metrics.IncEvents()
	}
	act, ok := p.corr.Handle(ev)
	if !ok {
		return
	}
	switch act.Kind {
	case correlator.ActionRing:
		log.Printf("ring: ext=%s from=%s call_id=%s", act.Extension, act.Caller, act.CallID)
		if p.metrics != nil {
			p.metrics.IncRings()
		}
		p.publish(events.KindRing, act)
	case correlator.ActionAnswer:
		if p.metrics != nil {
			p.metrics.IncAnswers()
		}
		p.publish(events.KindAnswer, act)
		p.notifier.Notify(act)
	case correlator.ActionEnded:
		log.Printf("ended: ext=%s from=%s call_id=%s status=%s", act.Extension, act.Caller, act.CallID, act.Disposition)
		if p.metrics != nil {
			p.metrics.IncEnded()
		}
		p.publish(events.KindEnded, act)
	}
}

func (p *Pipeline) sweep() {
	evicted := p.corr.Sweep()
	purged := p.gate.Purge()
	if evicted > 0 || purged > 0 {
		log.Printf("pipeline: swept calls=%d dedup=%d", evicted, purged)
	}
	if p.metrics != nil {
		p.metrics.UpdateGauges(p.corr.Len(), p.gate.Len())
	}
}

func (p *Pipeline) publish(kind events.Kind, act correlator.Action) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Transition{
		Kind:      kind,
		CallID:    act.CallID,
		Caller:    act.Caller,
		Extension: act.Extension,
		Detail:    act.Disposition,
		At:        act.At,
	})
}
