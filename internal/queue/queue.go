// Package queue runs fire-and-forget jobs on a small bounded worker pool so
// slow side effects never stall the caller.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of work. OnFinish, when set, runs on the worker after
// Work returns.
type Job struct {
	ID       string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes current queue counters.
type Stats struct {
	Length    int    `json:"length"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Queue is a bounded job queue with a fixed worker pool and per-job timeout.
type Queue struct {
	jobs    chan Job
	workers int
	timeout time.Duration

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a Queue with the given capacity, worker count and job timeout.
func New(capacity, workers int, timeout time.Duration) *Queue {
	return &Queue{
		jobs:    make(chan Job, capacity),
		workers: workers,
		timeout: timeout,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue queues j without blocking. It returns false when the queue is
// full, not started or stopped.
func (q *Queue) Enqueue(j Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.stopped {
		q.rejected.Add(1)
		log.Printf("queue: not running, dropping job %s", j.ID)
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		q.rejected.Add(1)
		log.Printf("queue: full, dropping job %s", j.ID)
		return false
	}
}

// Stop stops accepting jobs and waits for queued ones until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats returns current queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Length:    len(q.jobs),
		Capacity:  cap(q.jobs),
		Workers:   q.workers,
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handle(ctx, j)
		}
	}
}

func (q *Queue) handle(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: job %s panic recovered: %v", j.ID, r)
			q.failed.Add(1)
			if j.OnFinish != nil {
				j.OnFinish(fmt.Errorf("panic: %v", r))
			}
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err := j.Work(jobCtx)
	cancel()
	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
	}
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
	status := "success"
	if err != nil {
		status = err.Error()
	}
	log.Printf("queue: job=%s duration_ms=%d status=%s", j.ID, time.Since(start).Milliseconds(), status)
}
