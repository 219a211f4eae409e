// Package transform defines the TransformEngine collaborator interface
// (out of scope per spec.md §1 — implementations are supplied by the
// bootstrap) plus a couple of reference engines used in tests.
package transform

import (
	"context"
	"sync/atomic"

	"github.com/evbridge/circulator/src/record"
)

// Engine is the per-runner transform chain. DoTransforms may return a nil
// record to signal an intentional drop (which the transform worker commits
// immediately rather than forwarding), or an error (routed to the
// ErrorHandler, never committed).
type Engine interface {
	DoTransforms(ctx context.Context, rec *record.ConnectRecord) (*record.ConnectRecord, error)
	// GetTransformSize is the fan-out multiplier the estimator scales
	// cwnd by: a single inbound record may yield several outbound ones.
	GetTransformSize() int
}

// Identity passes every record through unchanged. Used in tests and as the
// zero-config default.
type Identity struct{}

func (Identity) DoTransforms(_ context.Context, rec *record.ConnectRecord) (*record.ConnectRecord, error) {
	return rec, nil
}

func (Identity) GetTransformSize() int { return 1 }

// DropEvery drops every Nth record (by position within a process lifetime)
// and passes the rest through unchanged. Used to exercise the
// transform-drop-commits-immediately path (spec.md §8 scenario 3). Safe for
// concurrent use since the transform worker fans DoTransforms out in
// parallel within a batch.
type DropEvery struct {
	N       int
	counter atomic.Int64
}

func (d *DropEvery) DoTransforms(_ context.Context, rec *record.ConnectRecord) (*record.ConnectRecord, error) {
	n := int64(d.N)
	if n < 1 {
		n = 1
	}
	i := d.counter.Add(1) - 1
	if i%n == 0 {
		return nil, nil
	}
	return rec, nil
}

func (d *DropEvery) GetTransformSize() int { return 1 }
