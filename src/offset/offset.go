// Package offset defines the OffsetManager collaborator (spec.md §4.6): an
// idempotent ack sink that the transform and push stages call with
// singleton or batch records respectively. Ordering across concurrent
// callers is not required (spec.md §5).
package offset

import (
	"context"
	"sync"

	"github.com/evbridge/circulator/src/record"
)

// Manager commits records as definitively handled — delivered or
// intentionally dropped. Implementations must be safe for concurrent use
// and idempotent: spec.md §7 (WorkerShutdownTimeout, ConfigurationRace)
// explicitly allows the same record to be committed twice across a worker
// replacement race.
type Manager interface {
	Commit(ctx context.Context, records ...*record.ConnectRecord) error
}

// InMemory is the "memory" backend and the backbone of tests: it keeps
// every committed record per runner in memory. A record whose Offset was
// already committed for its runner is not recorded again.
type InMemory struct {
	mu       sync.Mutex
	commits  map[record.RunnerName][]*record.ConnectRecord
}

func NewInMemory() *InMemory {
	return &InMemory{commits: make(map[record.RunnerName][]*record.ConnectRecord)}
}

func (m *InMemory) Commit(_ context.Context, records ...*record.ConnectRecord) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
next:
	for _, r := range records {
		for _, c := range m.commits[r.Runner] {
			if c.Offset == r.Offset {
				continue next
			}
		}
		m.commits[r.Runner] = append(m.commits[r.Runner], r)
	}
	return nil
}

// Committed returns a snapshot of every record committed for a runner, in
// commit order (not necessarily original enqueue order — see spec.md §5).
func (m *InMemory) Committed(runner record.RunnerName) []*record.ConnectRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*record.ConnectRecord, len(m.commits[runner]))
	copy(out, m.commits[runner])
	return out
}

// Count returns the number of distinct records committed for a runner.
func (m *InMemory) Count(runner record.RunnerName) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits[runner])
}
