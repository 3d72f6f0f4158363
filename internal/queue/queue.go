// Package queue runs analysis work on a bounded worker pool. Jobs are
// dropped, not blocked on, when the pool is saturated; callers decide how to
// react to a drop.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of work. OnFinish always runs exactly once, even when Work
// panics, so callers can hang cleanup such as releasing per-event slots on
// it.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes current queue metrics.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"worker_count"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue is a bounded job queue with a fixed worker pool and a per-job
// timeout.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	started     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	processed   uint64
	failed      uint64
}

func New(capacity, workerCount int, timeout time.Duration) *Queue {
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue attempts to queue a job without blocking. Returns false if the
// queue is full or not running.
func (q *Queue) Enqueue(j Job) bool {
	return q.tryEnqueue(j, true)
}

// EnqueueWithRetry attempts to queue a job, retrying within a bounded window.
// Returns (enqueued, droppedFull).
func (q *Queue) EnqueueWithRetry(ctx context.Context, j Job, window, interval time.Duration) (bool, bool) {
	deadline := time.Now().Add(window)
	if q.tryEnqueue(j, false) {
		return true, false
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, false
		case <-time.After(interval):
			if q.tryEnqueue(j, false) {
				return true, false
			}
		}
	}
	return false, true
}

func (q *Queue) tryEnqueue(j Job, logDrop bool) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started {
		if logDrop {
			log.Printf("enqueue before queue start for job %s", j.ID)
		}
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		if logDrop {
			log.Printf("job queue full, dropping job %s", j.ID)
		}
		return false
	}
}

// Stop stops accepting new jobs and waits for in-flight work to drain until
// the context is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
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

// Stats returns current queue metrics.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
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
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err := q.runJob(jobCtx, j)
	cancel()
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
	atomic.AddUint64(&q.processed, 1)
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
	}
	status := "success"
	if err != nil {
		status = err.Error()
	}
	log.Printf("job_source=%s job=%s duration_ms=%d status=%s", j.Source, j.ID, time.Since(start).Milliseconds(), status)
}

// runJob converts a panicking job into an error so the finish hook still
// fires.
func (q *Queue) runJob(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.ID, r)
		}
	}()
	return j.Work(ctx)
}

// Healthy reports whether the queue is accepting work.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started
}
