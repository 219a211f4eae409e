// Package circulator implements the Circulator Context (C2): the single
// concurrency-safe broker of per-runner queues, metrics, transform engines,
// sinks and executor pools. It is the only mutator of the bundle maps;
// every read is a snapshot (spec.md §5).
package circulator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/errs"
	"github.com/evbridge/circulator/src/estimator"
	"github.com/evbridge/circulator/src/record"
	"github.com/evbridge/circulator/src/sink"
	"github.com/evbridge/circulator/src/transform"
	"github.com/evbridge/circulator/src/workerpool"
)

// BundleSpec is what the bootstrap (the serve command) hands the Context to
// create or replace a runner's resource bundle.
type BundleSpec struct {
	Runner             record.RunnerName
	EventQueueCapacity int
	TargetQueueCapacity int
	TransformEngine    transform.Engine
	Sink               sink.Sink
	ExecutorWorkers    int
	ExecutorQueueCapacity int
}

// bundle is the per-runner resource set owned exclusively by the Context
// (spec.md §3 "Ownership"). Workers hold only the RunnerName and look the
// bundle up each iteration, so replacement is observed on the next one.
type bundle struct {
	runner      record.RunnerName
	eventQueue  chan *record.ConnectRecord
	targetQueue chan *record.ConnectRecord
	engine      transform.Engine
	sink        sink.Sink
	executor    *workerpool.Executor

	transformMetrics atomicMetrics
	pushMetrics      atomicMetrics
}

// atomicMetrics is an atomic replace-only cell (spec.md §5: "no
// read-modify-write across the cell boundary").
type atomicMetrics struct {
	mu    sync.RWMutex
	value *estimator.RunnerMetrics
}

func (c *atomicMetrics) get() (estimator.RunnerMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil {
		return estimator.RunnerMetrics{}, false
	}
	return *c.value, true
}

func (c *atomicMetrics) set(m estimator.RunnerMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = &m
}

// Config carries the knobs the Context needs that aren't per-runner
// resources: initial window values and the target-queue backpressure
// timeout (spec.md §6).
type Config struct {
	InitialCwnd             int
	InitialSsthresh         int
	TargetQueueOfferTimeout time.Duration
}

// Context is the broker described in spec.md §4.1. All operations are safe
// under concurrent callers.
type Context struct {
	mu      sync.RWMutex
	bundles map[record.RunnerName]*bundle

	cfg           Config
	errorHandler  errs.Handler
}

// New builds an empty Context. ErrorHandler receives BackpressureDrop
// records from OfferTargetTaskQueue.
func New(cfg Config, errorHandler errs.Handler) *Context {
	if cfg.InitialCwnd <= 0 {
		cfg.InitialCwnd = estimator.DefaultCwndMin
	}
	if cfg.InitialSsthresh <= 0 {
		cfg.InitialSsthresh = estimator.DefaultSsthreshInit
	}
	if cfg.TargetQueueOfferTimeout <= 0 {
		cfg.TargetQueueOfferTimeout = 2 * time.Second
	}
	return &Context{
		bundles:      make(map[record.RunnerName]*bundle),
		cfg:          cfg,
		errorHandler: errorHandler,
	}
}

// PutRunner creates a fresh bundle for spec.Runner, replacing any existing
// one. The caller is responsible for stopping (via the lifecycle Managers) whatever
// workers were reading the old bundle before/after calling this — the
// Context itself only swaps the resource set.
func (c *Context) PutRunner(spec BundleSpec) {
	if spec.EventQueueCapacity <= 0 {
		spec.EventQueueCapacity = 1000
	}
	if spec.TargetQueueCapacity <= 0 {
		spec.TargetQueueCapacity = 1000
	}
	if spec.ExecutorWorkers <= 0 {
		spec.ExecutorWorkers = 4
	}
	if spec.ExecutorQueueCapacity <= 0 {
		spec.ExecutorQueueCapacity = 64
	}

	b := &bundle{
		runner:      spec.Runner,
		eventQueue:  make(chan *record.ConnectRecord, spec.EventQueueCapacity),
		targetQueue: make(chan *record.ConnectRecord, spec.TargetQueueCapacity),
		engine:      spec.TransformEngine,
		sink:        spec.Sink,
		executor:    workerpool.New(spec.ExecutorWorkers, spec.ExecutorQueueCapacity),
	}
	b.transformMetrics.set(estimator.RunnerMetrics{
		Runner: spec.Runner, Stage: estimator.StageTransform,
		Cwnd: c.cfg.InitialCwnd, Ssthresh: c.cfg.InitialSsthresh,
	})
	b.pushMetrics.set(estimator.RunnerMetrics{
		Runner: spec.Runner, Stage: estimator.StagePusher,
		Cwnd: c.cfg.InitialCwnd, Ssthresh: c.cfg.InitialSsthresh,
	})

	c.mu.Lock()
	old := c.bundles[spec.Runner]
	c.bundles[spec.Runner] = b
	c.mu.Unlock()

	if old != nil {
		// Stop accepting new executor work on the replaced bundle; any
		// in-flight push task finishes on its own goroutine.
		go old.executor.Stop()
	}
}

// RemoveRunner deletes the bundle for runner. Queued records are
// discarded (spec.md §3 "Destroyed on onDelete" — discard is the policy
// this module picks; see DESIGN.md).
func (c *Context) RemoveRunner(runner record.RunnerName) {
	c.mu.Lock()
	b, ok := c.bundles[runner]
	delete(c.bundles, runner)
	c.mu.Unlock()
	if ok {
		go b.executor.Stop()
		log.Info().Str("runner", string(runner)).Int("dropped_event_records", len(b.eventQueue)).
			Int("dropped_target_records", len(b.targetQueue)).Msg("runner removed, discarding queued records")
	}
}

func (c *Context) getBundle(runner record.RunnerName) (*bundle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bundles[runner]
	return b, ok
}

// EnqueueEvent is the inbound source adapter's only entry point (spec.md
// §6): a bounded-queue-block push onto eventQueue[runner].
func (c *Context) EnqueueEvent(ctx context.Context, rec *record.ConnectRecord) error {
	b, ok := c.getBundle(rec.Runner)
	if !ok {
		return errUnknownRunner(rec.Runner)
	}
	select {
	case b.eventQueue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeEventRecords removes up to max records from eventQueue[runner] via a
// non-blocking probe. An empty (not failed) result means none are
// currently available.
func (c *Context) TakeEventRecords(runner record.RunnerName, max int) []*record.ConnectRecord {
	b, ok := c.getBundle(runner)
	if !ok || max <= 0 {
		return nil
	}
	return drain(b.eventQueue, max)
}

// TakeTargetRecords is the push stage's symmetric operation against
// targetQueue[runner].
func (c *Context) TakeTargetRecords(runner record.RunnerName, max int) []*record.ConnectRecord {
	b, ok := c.getBundle(runner)
	if !ok || max <= 0 {
		return nil
	}
	return drain(b.targetQueue, max)
}

func drain(q chan *record.ConnectRecord, max int) []*record.ConnectRecord {
	out := make([]*record.ConnectRecord, 0, max)
	for len(out) < max {
		select {
		case r := <-q:
			out = append(out, r)
		default:
			return out
		}
	}
	return out
}

// OfferTargetTaskQueue appends transformed records onto their runner's
// targetQueue, routing each by its carried RunnerName. A full queue blocks
// up to cfg.TargetQueueOfferTimeout, then drops the overflow to the
// ErrorHandler with ReasonBackpressureDrop (spec.md §4.1, §9).
func (c *Context) OfferTargetTaskQueue(ctx context.Context, records []*record.ConnectRecord) {
	for _, r := range records {
		b, ok := c.getBundle(r.Runner)
		if !ok {
			c.errorHandler.Handle(ctx, r, errs.ReasonBackpressureDrop, errUnknownRunner(r.Runner))
			continue
		}
		select {
		case b.targetQueue <- r:
			continue
		default:
		}
		timer := time.NewTimer(c.cfg.TargetQueueOfferTimeout)
		select {
		case b.targetQueue <- r:
			timer.Stop()
		case <-timer.C:
			c.errorHandler.Handle(ctx, r, errs.ReasonBackpressureDrop, errTargetQueueFull(r.Runner))
		case <-ctx.Done():
			timer.Stop()
			c.errorHandler.Handle(ctx, r, errs.ReasonBackpressureDrop, ctx.Err())
		}
	}
}

// GetTransformMetrics returns the latest published transform metrics for
// runner, or false if the runner has been removed — the transform worker's
// signal to exit its iteration early.
func (c *Context) GetTransformMetrics(runner record.RunnerName) (estimator.RunnerMetrics, bool) {
	b, ok := c.getBundle(runner)
	if !ok {
		return estimator.RunnerMetrics{}, false
	}
	return b.transformMetrics.get()
}

// GetPushMetrics is the push-stage equivalent.
func (c *Context) GetPushMetrics(runner record.RunnerName) (estimator.RunnerMetrics, bool) {
	b, ok := c.getBundle(runner)
	if !ok {
		return estimator.RunnerMetrics{}, false
	}
	return b.pushMetrics.get()
}

// PublishTransformMetrics atomically replaces the runner's transform-stage
// cell, which the transform worker reads back on its next iteration.
func (c *Context) PublishTransformMetrics(m estimator.RunnerMetrics) {
	if b, ok := c.getBundle(m.Runner); ok {
		b.transformMetrics.set(m)
	}
}

// PublishPushMetrics atomically replaces the cell the transform stage reads
// as its rwnd source.
func (c *Context) PublishPushMetrics(m estimator.RunnerMetrics) {
	if b, ok := c.getBundle(m.Runner); ok {
		b.pushMetrics.set(m)
	}
}

// GetTaskTransformMap returns a snapshot of runner -> TransformEngine.
func (c *Context) GetTaskTransformMap() map[record.RunnerName]transform.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[record.RunnerName]transform.Engine, len(c.bundles))
	for name, b := range c.bundles {
		out[name] = b.engine
	}
	return out
}

// GetPusherTaskMap returns a snapshot of runner -> Sink.
func (c *Context) GetPusherTaskMap() map[record.RunnerName]sink.Sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[record.RunnerName]sink.Sink, len(c.bundles))
	for name, b := range c.bundles {
		out[name] = b.sink
	}
	return out
}

// GetExecutorService returns the push stage's per-runner concurrent task
// pool.
func (c *Context) GetExecutorService(runner record.RunnerName) (*workerpool.Executor, bool) {
	b, ok := c.getBundle(runner)
	if !ok {
		return nil, false
	}
	return b.executor, true
}

// GetExecutorServiceWorkerRemainingCapacity reports free queue slots in the
// runner's push executor, fed to the estimator as downward pressure.
func (c *Context) GetExecutorServiceWorkerRemainingCapacity(runner record.RunnerName) int {
	b, ok := c.getBundle(runner)
	if !ok {
		return 0
	}
	return b.executor.RemainingCapacity()
}

// GetExecutorServiceCapacity reports the runner's push executor's total
// queue capacity.
func (c *Context) GetExecutorServiceCapacity(runner record.RunnerName) int {
	b, ok := c.getBundle(runner)
	if !ok {
		return 0
	}
	return b.executor.Capacity()
}

// Runners returns the current runner set, for lifecycle bootstrapping and
// the admin server's metrics listing.
func (c *Context) Runners() []record.RunnerName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]record.RunnerName, 0, len(c.bundles))
	for name := range c.bundles {
		out = append(out, name)
	}
	return out
}
