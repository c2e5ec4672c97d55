// Package dispatch turns answered calls into browser opens of the ticketing
// user summary page.
package dispatch

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/time/rate"

	"callpop/internal/correlator"
	"callpop/internal/dedup"
	"callpop/internal/events"
	"callpop/internal/metrics"
	"callpop/internal/queue"
)

// Opener opens a URL somewhere the operator will see it.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// BrowserOpener opens URLs in the desktop's default browser.
type BrowserOpener struct{}

func init() {
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
}

// Open launches the browser and waits for the launcher to exit or ctx to end.
func (BrowserOpener) Open(ctx context.Context, url string) error {
	errc := make(chan error, 1)
	go func() { errc <- browser.OpenURL(url) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcomes logged for each answered call.
const (
	OutcomeOpened      = "opened"
	OutcomeFailed      = "failed"
	OutcomeDuplicate   = "duplicate"
	OutcomeRateLimited = "rate_limited"
	OutcomeQueueFull   = "queue_full"
	OutcomeInvalid     = "invalid"
)

const (
	// DefaultRate allows a sustained open every two seconds.
	DefaultRate  = rate.Limit(0.5)
	DefaultBurst = 3
)

// Options configures a Dispatcher.
type Options struct {
	Host    string
	DeptID  string
	OpenTTL time.Duration
	Rate    rate.Limit
	Burst   int
}

// Dispatcher is called from the pipeline goroutine; opens run on the queue.
type Dispatcher struct {
	host    string
	dept    string
	openTTL atomic.Int64

	opener  Opener
	gate    *dedup.Gate
	limiter *rate.Limiter
	queue   *queue.Queue
	metrics *metrics.Metrics
	bus     *events.Bus
}

// New builds a Dispatcher. metrics and bus may be nil.
func New(opts Options, opener Opener, gate *dedup.Gate, q *queue.Queue, m *metrics.Metrics, bus *events.Bus) *Dispatcher {
	if opts.Rate == 0 {
		opts.Rate = DefaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	d := &Dispatcher{
		host:    opts.Host,
		dept:    opts.DeptID,
		opener:  opener,
		gate:    gate,
		limiter: rate.NewLimiter(opts.Rate, opts.Burst),
		queue:   q,
		metrics: m,
		bus:     bus,
	}
	d.SetOpenTTL(opts.OpenTTL)
	return d
}

// SetOpenTTL changes the open dedup window for later calls.
func (d *Dispatcher) SetOpenTTL(ttl time.Duration) { d.openTTL.Store(int64(ttl)) }

// Notify schedules the browser open for an answered call. It never blocks
// and never returns an error; every outcome is logged.
func (d *Dispatcher) Notify(a correlator.Action) {
	if a.Kind != correlator.ActionAnswer {
		return
	}
	target, err := BuildURL(d.host, d.dept, a)
	if err != nil {
		d.finish(a, OutcomeInvalid, err)
		return
	}
	if !d.gate.Allow(dedup.ClassOpen, a.CallID+"/"+a.Extension, time.Duration(d.openTTL.Load())) {
		d.suppress(a, OutcomeDuplicate)
		return
	}
	if !d.limiter.Allow() {
		d.suppress(a, OutcomeRateLimited)
		return
	}
	ok := d.queue.Enqueue(queue.Job{
		ID: "open-" + a.CallID,
		Work: func(ctx context.Context) error {
			return d.opener.Open(ctx, target)
		},
		OnFinish: func(err error) {
			if err != nil {
				d.finish(a, OutcomeFailed, err)
				return
			}
			d.finish(a, OutcomeOpened, nil)
		},
	})
	if !ok {
		d.suppress(a, OutcomeQueueFull)
	}
}

func (d *Dispatcher) suppress(a correlator.Action, outcome string) {
	log.Printf("answered: caller=%s ext=%s call_id=%s outcome=%s", a.Caller, a.Extension, a.CallID, outcome)
	if d.metrics != nil {
		d.metrics.IncOpenSuppressed()
	}
	d.publish(a, outcome)
}

func (d *Dispatcher) finish(a correlator.Action, outcome string, err error) {
	if err != nil {
		log.Printf("answered: caller=%s ext=%s call_id=%s outcome=%s err=%v", a.Caller, a.Extension, a.CallID, outcome, err)
	} else {
		log.Printf("answered: caller=%s ext=%s call_id=%s outcome=%s", a.Caller, a.Extension, a.CallID, outcome)
	}
	if d.metrics != nil {
		d.metrics.RecordOpen(err)
	}
	d.publish(a, outcome)
}

func (d *Dispatcher) publish(a correlator.Action, outcome string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Transition{
		Kind:      events.KindOpen,
		CallID:    a.CallID,
		Caller:    a.Caller,
		Extension: a.Extension,
		Detail:    outcome,
	})
}
