// Package worker implements the Transform Worker (C5) and Push Worker (C6):
// the two long-running, per-runner loops described in spec.md §4.2 and
// §4.3. Both share the cooperative-shutdown contract of spec.md §5: a
// stopped flag observed at every loop boundary and inside bounded waits,
// with the waits wakeable by shutdown.
package worker

import (
	"context"
	"sync"
	"time"
)

// stoppable is the cooperative shutdown primitive both worker types embed.
type stoppable struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newStoppable() stoppable {
	return stoppable{stopCh: make(chan struct{}), done: make(chan struct{})}
}

// Stop signals the worker to exit at its next loop boundary. It does not
// block — callers that need a bounded wait should select on Done()
// themselves (see the lifecycle package).
func (s *stoppable) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done closes once the worker's Run loop has returned.
func (s *stoppable) Done() <-chan struct{} {
	return s.done
}

func (s *stoppable) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d, interruptible by shutdown. Returns true if shutdown
// was signalled during the wait.
func (s *stoppable) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return true
	case <-timer.C:
		return false
	}
}

// batchContext is a background context carried through collaborator calls
// (Sink.Put, OffsetManager.Commit, ErrorHandler.Handle) that the core
// itself never cancels mid-batch — cancellation of an individual sink/
// transform call is the collaborator's own responsibility (spec.md §5: "no
// per-record transform timeout in the core").
func batchContext() context.Context {
	return context.Background()
}
