package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/circulator"
	"github.com/evbridge/circulator/src/errs"
	"github.com/evbridge/circulator/src/estimator"
	"github.com/evbridge/circulator/src/offset"
	"github.com/evbridge/circulator/src/record"
	"github.com/evbridge/circulator/src/transform"
	"github.com/evbridge/circulator/src/workerpool"
)

// TransformWorker is the long-running per-runner loop of spec.md §4.2: take
// up to cwnd records, fan them out through the runner's transform chain on
// the shared Fanout executor, and offer survivors onto the target queue.
type TransformWorker struct {
	stoppable

	runner        record.RunnerName
	ctx           *circulator.Context
	estimator     *estimator.Estimator
	offsetManager offset.Manager
	errorHandler  errs.Handler
	fanout        *workerpool.Executor

	emptyWaitMs    time.Duration
	noEngineWaitMs time.Duration
}

// TransformWorkerConfig bundles a worker's construction parameters.
type TransformWorkerConfig struct {
	Runner         record.RunnerName
	Context        *circulator.Context
	Estimator      *estimator.Estimator
	OffsetManager  offset.Manager
	ErrorHandler   errs.Handler
	Fanout         *workerpool.Executor
	EmptyWait      time.Duration
	NoEngineWait   time.Duration
}

// NewTransformWorker builds a worker for one runner. Fanout is shared
// across every transform worker in the process (spec.md §4.2 step 5: "a
// shared asynchronous executor").
func NewTransformWorker(cfg TransformWorkerConfig) *TransformWorker {
	if cfg.EmptyWait <= 0 {
		cfg.EmptyWait = time.Second
	}
	if cfg.NoEngineWait <= 0 {
		cfg.NoEngineWait = 3 * time.Second
	}
	return &TransformWorker{
		stoppable:      newStoppable(),
		runner:         cfg.Runner,
		ctx:            cfg.Context,
		estimator:      cfg.Estimator,
		offsetManager:  cfg.OffsetManager,
		errorHandler:   cfg.ErrorHandler,
		fanout:         cfg.Fanout,
		emptyWaitMs:    cfg.EmptyWait,
		noEngineWaitMs: cfg.NoEngineWait,
	}
}

// Run is the worker's loop. It returns (closing Done()) once Stop is
// called, within one wait interval.
func (w *TransformWorker) Run() {
	defer close(w.done)
	for {
		if w.stopped() {
			return
		}

		tm, ok := w.ctx.GetTransformMetrics(w.runner)
		if !ok {
			if w.sleep(w.emptyWaitMs) {
				return
			}
			continue
		}

		records := w.ctx.TakeEventRecords(w.runner, tm.Cwnd)
		if len(records) == 0 {
			if w.sleep(w.emptyWaitMs) {
				return
			}
			continue
		}

		engines := w.ctx.GetTaskTransformMap()
		engine, ok := engines[w.runner]
		if !ok || engine == nil {
			if w.sleep(w.noEngineWaitMs) {
				return
			}
			continue
		}

		start := time.Now()
		afterTransform, rejectedOrUnforwarded, batchErr := w.runBatch(records, engine)
		end := time.Now()

		pushMetrics, havePush := w.ctx.GetPushMetrics(w.runner)
		rwnd := 0
		if havePush {
			rwnd = pushMetrics.Cwnd
		}

		transformSize := engine.GetTransformSize()
		if transformSize < 1 {
			transformSize = 1
		}
		// Open question (spec.md §9): an engine reporting a huge
		// transformSize could drive cwnd to CWND_MAX immediately.
		// Resolved here by clamping the scaled value to the estimator's
		// upper bound before it ever reaches Compute.
		scaledCwnd := tm.Cwnd * transformSize
		if scaledCwnd > w.estimator.Bounds.Max {
			scaledCwnd = w.estimator.Bounds.Max
		}

		metrics := estimator.EstimateMetrics{
			Runner:          w.runner,
			Stage:           estimator.StageTransform,
			BatchSize:       len(afterTransform),
			PriorCwnd:       scaledCwnd,
			PriorSsthresh:   tm.Ssthresh,
			Rwnd:            rwnd,
			StartTimestamp:  start,
			EndTimestamp:    end,
			Error:           batchErr != nil,
		}
		published := w.estimator.Compute(metrics)
		w.ctx.PublishTransformMetrics(published)

		if batchErr != nil {
			reason := errs.ReasonExecutorRejection
			for _, r := range rejectedOrUnforwarded {
				w.errorHandler.Handle(batchContext(), r, reason, batchErr)
			}
			log.Warn().Str("runner", string(w.runner)).Err(batchErr).
				Int("unforwarded", len(rejectedOrUnforwarded)).Msg("transform batch failed")
			continue
		}

		w.ctx.OfferTargetTaskQueue(batchContext(), afterTransform)
	}
}

// runBatch dispatches every record concurrently onto the shared fanout
// executor and reduces each outcome per spec.md §4.2 step 5:
//   - Produced(out): appended to afterTransform.
//   - Dropped (nil, nil): committed immediately — a drop-by-design record
//     is acked, never forwarded.
//   - Failed(err): routed to the ErrorHandler, neither committed nor
//     forwarded.
//
// If the fanout executor itself rejects a submission (ExecutorRejection),
// the whole batch is treated as failed: already-produced-but-not-yet-
// forwarded records and every record not yet submitted are returned
// together so the caller can route them to the ErrorHandler exactly once —
// records already committed or already handled inside a completed job are
// never touched again.
func (w *TransformWorker) runBatch(records []*record.ConnectRecord, engine transform.Engine) ([]*record.ConnectRecord, []*record.ConnectRecord, error) {
	var mu sync.Mutex
	var afterTransform []*record.ConnectRecord
	var wg sync.WaitGroup

	for i, r := range records {
		r := r
		wg.Add(1)
		err := w.fanout.Submit(func() {
			defer wg.Done()
			out, terr := engine.DoTransforms(batchContext(), r)
			switch {
			case terr != nil:
				w.errorHandler.Handle(batchContext(), r, errs.ReasonTransformError, terr)
			case out == nil:
				if cerr := w.offsetManager.Commit(batchContext(), r); cerr != nil {
					log.Error().Err(cerr).Str("runner", string(w.runner)).Msg("commit of dropped record failed")
				}
			default:
				mu.Lock()
				afterTransform = append(afterTransform, out)
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done() // this job never ran, undo the Add
			wg.Wait() // let jobs already submitted finish
			mu.Lock()
			unforwarded := append(append([]*record.ConnectRecord{}, afterTransform...), records[i:]...)
			mu.Unlock()
			return nil, unforwarded, workerpool.ErrRejected
		}
	}
	wg.Wait()
	return afterTransform, nil, nil
}
