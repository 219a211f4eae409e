// Package errs defines the ErrorHandler collaborator (spec.md §4.6, §7): a
// sink for records the core could not commit, plus the failure-reason
// taxonomy of spec.md §7.
package errs

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/record"
)

// Reason classifies why a record reached the ErrorHandler, mirroring the
// taxonomy in spec.md §7.
type Reason string

const (
	ReasonTransformError    Reason = "TRANSFORM_ERROR"
	ReasonSinkError         Reason = "SINK_ERROR"
	ReasonBackpressureDrop  Reason = "BACKPRESSURE_DROP"
	ReasonExecutorRejection Reason = "EXECUTOR_REJECTION"
)

// Handler is a sink for failed records. Implementations decide DLQ vs
// retry vs drop and must return without blocking the caller for long
// (spec.md §4.6) — the transform and push workers call it inline on their
// hot path.
type Handler interface {
	Handle(ctx context.Context, rec *record.ConnectRecord, reason Reason, cause error)
}

// DropHandler is the default: it logs and discards. This is a legitimate
// policy choice per spec.md §8 scenario 2 ("with a default drop Error
// Handler, 1 record lost, 9 succeed").
type DropHandler struct{}

func (DropHandler) Handle(_ context.Context, rec *record.ConnectRecord, reason Reason, cause error) {
	log.Warn().
		Str("runner", string(rec.Runner)).
		Str("reason", string(reason)).
		Err(cause).
		Msg("dropping failed record")
}

// Recorder is an in-memory handler used by tests to assert on which
// records were routed to the error handler and why.
type Recorder struct {
	mu    sync.Mutex
	seen  []Entry
}

// Entry is one recorded call to Handle.
type Entry struct {
	Record *record.ConnectRecord
	Reason Reason
	Cause  error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Handle(_ context.Context, rec *record.ConnectRecord, reason Reason, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, Entry{Record: rec, Reason: reason, Cause: cause})
}

// Entries returns a snapshot of everything handled so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.seen))
	copy(out, r.seen)
	return out
}
