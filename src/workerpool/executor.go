// Package workerpool provides the bounded, non-blocking-submit worker pool
// used both as the shared transform fan-out executor and as each runner's
// per-runner push executor (spec §5: "bounded queue + bounded worker count").
package workerpool

import (
	"errors"
	"sync"
)

// ErrRejected is returned by Submit when the job queue is full. Callers
// treat this as an ExecutorRejection (spec §7): a batch-level error, not a
// per-record one.
var ErrRejected = errors.New("workerpool: executor queue full, job rejected")

// Executor is a fixed-size goroutine pool fed by a bounded job channel.
// Submit never blocks: a full queue rejects immediately rather than
// applying backpressure to the caller, since both the transform and push
// workers must treat a saturated executor as a signal, not a stall.
//
// Submit and Stop are both safe to call concurrently from unrelated
// goroutines (a push worker that resolved this *Executor via
// circulator.Context.GetExecutorService right before a PutRunner/RemoveRunner
// retired it). mu serializes the two: Submit holds a read lock across its
// send, Stop takes the write lock before closing jobs, so a send can never
// observe a channel mid-close.
type Executor struct {
	mu     sync.RWMutex
	jobs   chan func()
	wg     sync.WaitGroup
	closed bool
}

// New starts workers goroutines consuming from a queue of size queueCapacity.
func New(workers, queueCapacity int) *Executor {
	if workers < 1 {
		workers = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	e := &Executor{jobs: make(chan func(), queueCapacity)}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.loop()
	}
	return e
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for job := range e.jobs {
		job()
	}
}

// Submit enqueues job for execution, returning ErrRejected if the queue is
// currently full or the executor has been stopped.
func (e *Executor) Submit(job func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrRejected
	}
	select {
	case e.jobs <- job:
		return nil
	default:
		return ErrRejected
	}
}

// RemainingCapacity reports free queue slots, used by the push stage to
// feed the estimator's downward-pressure signal.
func (e *Executor) RemainingCapacity() int {
	return cap(e.jobs) - len(e.jobs)
}

// Capacity reports the total queue capacity.
func (e *Executor) Capacity() int {
	return cap(e.jobs)
}

// Stop closes the job queue and waits for in-flight and queued jobs to
// drain. Callers that need a bounded wait should race this against a timer
// themselves (see lifecycle.Manager), since Stop itself never times out.
// Safe to call more than once; only the first call closes jobs.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
