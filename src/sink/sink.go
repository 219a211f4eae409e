// Package sink defines the SinkTask collaborator (spec.md §4.3, §6): a
// synchronous, whole-batch delivery call the push stage makes and does not
// await inline. Concrete adapters live alongside this interface.
package sink

import (
	"context"
	"sync"

	"github.com/evbridge/circulator/src/record"
)

// Sink delivers a whole batch in one call. Put may return an error, in
// which case every record in the batch is routed to the ErrorHandler and
// none are committed (spec.md §4.3 step 4).
type Sink interface {
	Put(ctx context.Context, records []*record.ConnectRecord) error
}

// Recorder is an in-memory sink used by tests: it appends every delivered
// batch, optionally failing the Nth call to exercise the sink-failure path
// (spec.md §8 scenario 2).
type Recorder struct {
	mu        sync.Mutex
	batches   [][]*record.ConnectRecord
	failCalls map[int]error
	calls     int
}

func NewRecorder() *Recorder {
	return &Recorder{failCalls: make(map[int]error)}
}

// FailOnCall configures the nth (1-indexed) call to Put to return err
// instead of succeeding.
func (r *Recorder) FailOnCall(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCalls[n] = err
}

func (r *Recorder) Put(_ context.Context, records []*record.ConnectRecord) error {
	r.mu.Lock()
	r.calls++
	call := r.calls
	failErr, shouldFail := r.failCalls[call]
	if !shouldFail {
		cp := make([]*record.ConnectRecord, len(records))
		copy(cp, records)
		r.batches = append(r.batches, cp)
	}
	r.mu.Unlock()
	if shouldFail {
		return failErr
	}
	return nil
}

// Batches returns a snapshot of every successfully delivered batch.
func (r *Recorder) Batches() [][]*record.ConnectRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]*record.ConnectRecord, len(r.batches))
	copy(out, r.batches)
	return out
}

// Delivered flattens every successfully delivered record across batches.
func (r *Recorder) Delivered() []*record.ConnectRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*record.ConnectRecord
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}
