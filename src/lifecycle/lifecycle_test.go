package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evbridge/circulator/src/record"
)

// fakeWorker is a Worker whose Stop/Done latency is controlled by the test,
// used to exercise both the ordinary and shutdown-timeout paths.
type fakeWorker struct {
	mu        sync.Mutex
	running   bool
	stopDelay time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

func newFakeWorker(stopDelay time.Duration) *fakeWorker {
	return &fakeWorker{stopCh: make(chan struct{}), done: make(chan struct{}), stopDelay: stopDelay}
}

func (f *fakeWorker) Run() {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	<-f.stopCh
	if f.stopDelay > 0 {
		time.Sleep(f.stopDelay)
	}
	close(f.done)
}

func (f *fakeWorker) Stop() {
	close(f.stopCh)
}

func (f *fakeWorker) Done() <-chan struct{} {
	return f.done
}

func (f *fakeWorker) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func TestOnAddStartsExactlyOneWorker(t *testing.T) {
	var built []*fakeWorker
	var mu sync.Mutex
	m := New("transform", func(runner record.RunnerName) Worker {
		w := newFakeWorker(0)
		mu.Lock()
		built = append(built, w)
		mu.Unlock()
		return w
	}, Config{WorkerShutdownTimeout: time.Second})

	m.OnAdd("r1")
	m.OnAdd("r1") // ignored: a worker already exists

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, built, 1)
	assert.Len(t, m.Runners(), 1)
}

func TestOnUpdateReplacesWorker(t *testing.T) {
	var built []*fakeWorker
	var mu sync.Mutex
	m := New("transform", func(runner record.RunnerName) Worker {
		w := newFakeWorker(0)
		mu.Lock()
		built = append(built, w)
		mu.Unlock()
		return w
	}, Config{WorkerShutdownTimeout: time.Second})

	m.OnAdd("r1")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return built[0].isRunning()
	}, time.Second, time.Millisecond)

	m.OnUpdate("r1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, built, 2)
	select {
	case <-built[0].Done():
	default:
		t.Fatal("old worker was not stopped before replacement started")
	}
}

func TestOnDeleteStopsAndForgetsWorker(t *testing.T) {
	m := New("push", func(runner record.RunnerName) Worker {
		return newFakeWorker(0)
	}, Config{WorkerShutdownTimeout: time.Second})

	m.OnAdd("r1")
	assert.Len(t, m.Runners(), 1)

	m.OnDelete("r1")
	assert.Empty(t, m.Runners())
}

// TestOnUpdateAbandonsSlowWorker covers spec.md §7's WorkerShutdownTimeout:
// a worker that doesn't confirm Done within the bound is abandoned (logged,
// not blocked on) rather than stalling the whole OnUpdate call.
func TestOnUpdateAbandonsSlowWorker(t *testing.T) {
	slow := newFakeWorker(200 * time.Millisecond)
	first := true
	m := New("transform", func(runner record.RunnerName) Worker {
		if first {
			first = false
			return slow
		}
		return newFakeWorker(0)
	}, Config{WorkerShutdownTimeout: 10 * time.Millisecond})

	m.OnAdd("r1")
	require.Eventually(t, func() bool { return slow.isRunning() }, time.Second, time.Millisecond)

	start := time.Now()
	m.OnUpdate("r1")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 150*time.Millisecond, "OnUpdate should abandon the slow worker at the timeout, not wait for it")
	assert.Len(t, m.Runners(), 1)
}
