// Package supervisor keeps a manager connection alive and forwards its
// events, in arrival order, to a single consumer.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"callpop/internal/dial"
)

// State of the connection state machine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is one authenticated session. Next blocks until an event arrives or
// the stream fails; a *dial.ParseError leaves the stream usable. Close may
// be called more than once and must unblock Next.
type Conn interface {
	Next(ctx context.Context) (dial.Event, error)
	Close() error
}

// Source opens sessions. A Conn is not restartable; every reconnect calls
// Connect again.
type Source interface {
	Connect(ctx context.Context) (Conn, error)
}

// Hooks observe the supervisor. Both are optional and run on the
// supervisor goroutine.
type Hooks struct {
	Transition func(from, to State, err error)
	ParseError func(err error)
}

// Supervisor drives Source through Connecting, Connected and Backoff until
// its context ends. It never gives up.
type Supervisor struct {
	source  Source
	backoff BackoffPolicy
	hooks   Hooks
	state   atomic.Int32
}

// New returns a Supervisor in the Disconnected state.
func New(src Source, b BackoffPolicy, hooks Hooks) *Supervisor {
	return &Supervisor{source: src, backoff: b, hooks: hooks}
}

// State is safe to call from any goroutine.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Run connects, forwards events to out and reconnects on failure. Sends on
// out block, so a slow consumer applies backpressure to the socket instead
// of reordering events. Run returns nil once ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, out chan<- dial.Event) error {
	s.transition(Connecting, nil)
	for {
		conn, err := s.source.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.transition(Disconnected, nil)
				return nil
			}
			if !s.backoffWait(ctx, err) {
				return nil
			}
			continue
		}

		s.backoff.Reset()
		s.transition(Connected, nil)
		err = s.drain(ctx, conn, out)
		_ = conn.Close()
		if ctx.Err() != nil {
			s.transition(Disconnected, nil)
			return nil
		}
		if !s.backoffWait(ctx, err) {
			return nil
		}
	}
}

func (s *Supervisor) drain(ctx context.Context, conn Conn, out chan<- dial.Event) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			var pe *dial.ParseError
			if errors.As(err, &pe) {
				log.Printf("ami: dropped event: %v", err)
				if s.hooks.ParseError != nil {
					s.hooks.ParseError(err)
				}
				continue
			}
			return err
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffWait moves to Backoff, sleeps and moves back to Connecting. It
// returns false when ctx ended during the wait.
func (s *Supervisor) backoffWait(ctx context.Context, cause error) bool {
	delay := s.backoff.Next()
	s.transition(Backoff, cause)
	log.Printf("ami: retry in %s", delay.Round(time.Millisecond))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.transition(Disconnected, nil)
		return false
	case <-t.C:
	}
	s.transition(Connecting, nil)
	return true
}

func (s *Supervisor) transition(to State, err error) {
	from := State(s.state.Swap(int32(to)))
	if err != nil {
		log.Printf("ami: %s -> %s: %v", from, to, err)
	} else {
		log.Printf("ami: %s -> %s", from, to)
	}
	if s.hooks.Transition != nil {
		s.hooks.Transition(from, to, err)
	}
}
