// Package lifecycle implements the Lifecycle Manager (C7): the component
// that turns runner-configuration events (add/update/delete) into started,
// restarted or stopped workers, one stage at a time (spec.md §4.5).
package lifecycle

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/record"
)

// Worker is the minimal surface both TransformWorker and PushWorker
// implement: a loop that runs until Stop is called, then closes Done.
type Worker interface {
	Run()
	Stop()
	Done() <-chan struct{}
}

// Factory builds a fresh Worker bound to runner. The Lifecycle Manager
// calls it once per onAdd/onUpdate — never reuses a stopped worker — which
// keeps worker construction a pure function of the current bundle state
// (spec.md §4.5: "workers are cheap, stateless besides the RunnerName").
type Factory func(runner record.RunnerName) Worker

// Config carries the one timing knob the manager owns directly: how long
// to wait for an outgoing worker's Done() before abandoning it (spec.md §7
// WorkerShutdownTimeout).
type Config struct {
	WorkerShutdownTimeout time.Duration
}

// Manager holds exactly one live Worker per runner for one pipeline stage
// (invariant I7). Applying OnAdd/OnUpdate/OnDelete is the only way to
// mutate that set.
type Manager struct {
	stage   string
	factory Factory
	cfg     Config

	mu      sync.Mutex
	workers map[record.RunnerName]Worker
}

// New builds a Manager for one stage ("transform" or "push", used only in
// logging) driven by factory.
func New(stage string, factory Factory, cfg Config) *Manager {
	if cfg.WorkerShutdownTimeout <= 0 {
		cfg.WorkerShutdownTimeout = 5 * time.Second
	}
	return &Manager{
		stage:   stage,
		factory: factory,
		cfg:     cfg,
		workers: make(map[record.RunnerName]Worker),
	}
}

// OnAdd starts a new worker for runner. It is a no-op if one is already
// running — callers that mean "replace" should call OnUpdate.
func (m *Manager) OnAdd(runner record.RunnerName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[runner]; exists {
		log.Warn().Str("runner", string(runner)).Str("stage", m.stage).
			Msg("onAdd for runner that already has a worker, ignoring")
		return
	}
	m.start(runner)
}

// OnUpdate stops the runner's current worker (if any) — bounded by
// WorkerShutdownTimeout, abandoning and logging on timeout rather than
// blocking — then starts a fresh one. The Circulator Context's bundle swap
// (via PutRunner, called by the caller before OnUpdate) is what the new
// worker will observe; the old worker's last iteration may still be
// running against the old bundle state, which is safe since bundles are
// looked up fresh every iteration (spec.md §5).
func (m *Manager) OnUpdate(runner record.RunnerName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopExisting(runner)
	m.start(runner)
}

// OnDelete stops the runner's worker, if any, and forgets it. The
// Circulator Context's bundle removal is the caller's responsibility (via
// RemoveRunner), typically called before this so the worker's very next
// iteration already sees the runner gone and exits via its empty-metrics
// branch well before the shutdown timeout elapses.
func (m *Manager) OnDelete(runner record.RunnerName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopExisting(runner)
	delete(m.workers, runner)
}

func (m *Manager) start(runner record.RunnerName) {
	w := m.factory(runner)
	m.workers[runner] = w
	go w.Run()
	log.Info().Str("runner", string(runner)).Str("stage", m.stage).Msg("worker started")
}

// stopExisting signals Stop and waits up to WorkerShutdownTimeout for the
// worker to confirm via Done(). A timeout is logged and the worker is
// abandoned — its goroutine may still be unwinding, but it holds no
// resources the Context doesn't already own, so leaking it costs nothing
// beyond the goroutine itself (spec.md §7 WorkerShutdownTimeout).
func (m *Manager) stopExisting(runner record.RunnerName) {
	w, ok := m.workers[runner]
	if !ok {
		return
	}
	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(m.cfg.WorkerShutdownTimeout):
		log.Warn().Str("runner", string(runner)).Str("stage", m.stage).
			Dur("timeout", m.cfg.WorkerShutdownTimeout).
			Msg("worker did not stop within shutdown timeout, abandoning")
	}
}

// Runners returns the set of runners with a currently tracked worker.
func (m *Manager) Runners() []record.RunnerName {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.RunnerName, 0, len(m.workers))
	for r := range m.workers {
		out = append(out, r)
	}
	return out
}
