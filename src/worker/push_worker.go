package worker

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/circulator"
	"github.com/evbridge/circulator/src/errs"
	"github.com/evbridge/circulator/src/estimator"
	"github.com/evbridge/circulator/src/offset"
	"github.com/evbridge/circulator/src/record"
	"github.com/evbridge/circulator/src/sink"
	"github.com/evbridge/circulator/src/workerpool"
)

// PushWorker is the long-running per-runner loop of spec.md §4.3: take up
// to cwnd records from the target queue and submit a single sink.Put call
// to the runner's push executor, without awaiting it.
type PushWorker struct {
	stoppable

	runner        record.RunnerName
	ctx           *circulator.Context
	estimator     *estimator.Estimator
	offsetManager offset.Manager
	errorHandler  errs.Handler

	emptyWaitMs time.Duration
}

// PushWorkerConfig bundles a worker's construction parameters.
type PushWorkerConfig struct {
	Runner        record.RunnerName
	Context       *circulator.Context
	Estimator     *estimator.Estimator
	OffsetManager offset.Manager
	ErrorHandler  errs.Handler
	EmptyWait     time.Duration
}

func NewPushWorker(cfg PushWorkerConfig) *PushWorker {
	if cfg.EmptyWait <= 0 {
		cfg.EmptyWait = time.Second
	}
	return &PushWorker{
		stoppable:     newStoppable(),
		runner:        cfg.Runner,
		ctx:           cfg.Context,
		estimator:     cfg.Estimator,
		offsetManager: cfg.OffsetManager,
		errorHandler:  cfg.ErrorHandler,
		emptyWaitMs:   cfg.EmptyWait,
	}
}

// Run is the worker's loop. The sink call for each batch runs on the
// runner's push executor and is never awaited by this loop (spec.md §4.3
// step 5) — parallelism across batches equals the executor's worker count.
func (w *PushWorker) Run() {
	defer close(w.done)
	for {
		if w.stopped() {
			return
		}

		pm, ok := w.ctx.GetPushMetrics(w.runner)
		if !ok {
			if w.sleep(w.emptyWaitMs) {
				return
			}
			continue
		}

		records := w.ctx.TakeTargetRecords(w.runner, pm.Cwnd)
		if len(records) == 0 {
			if w.sleep(w.emptyWaitMs) {
				return
			}
			continue
		}

		sinks := w.ctx.GetPusherTaskMap()
		sinkTask, ok := sinks[w.runner]
		if !ok || sinkTask == nil {
			if w.sleep(w.emptyWaitMs) {
				return
			}
			continue
		}

		executor, ok := w.ctx.GetExecutorService(w.runner)
		if !ok {
			if w.sleep(w.emptyWaitMs) {
				return
			}
			continue
		}

		start := time.Now()
		batch := records
		err := executor.Submit(func() {
			w.deliver(sinkTask, batch, pm, start)
		})
		if err != nil {
			w.publishErrorMetrics(pm)
			for _, r := range records {
				w.errorHandler.Handle(batchContext(), r, errs.ReasonExecutorRejection, workerpool.ErrRejected)
			}
			log.Warn().Str("runner", string(w.runner)).Msg("push executor rejected batch submission")
		}
		// No await: the main loop proceeds immediately to the next
		// iteration, bounded only by the executor's own queue capacity.
	}
}

// deliver runs on the push executor: the sink call, commit-on-success and
// error-handling-on-failure, and the rate feedback into pushMetrics, all off
// the worker's main loop (spec.md §4.3 steps 5-7).
func (w *PushWorker) deliver(sinkTask sink.Sink, records []*record.ConnectRecord, pm estimator.RunnerMetrics, start time.Time) {
	err := sinkTask.Put(batchContext(), records)
	end := time.Now()

	remaining := w.ctx.GetExecutorServiceWorkerRemainingCapacity(w.runner)
	total := w.ctx.GetExecutorServiceCapacity(w.runner)

	metrics := estimator.EstimateMetrics{
		Runner:                       w.runner,
		Stage:                        estimator.StagePusher,
		BatchSize:                    len(records),
		PriorCwnd:                    pm.Cwnd,
		PriorSsthresh:                pm.Ssthresh,
		StartTimestamp:               start,
		EndTimestamp:                 end,
		WorkerQueueRemainingCapacity: remaining,
		WorkerQueueTotalCapacity:     total,
		Error:                        err != nil,
	}
	published := w.estimator.Compute(metrics)
	w.ctx.PublishPushMetrics(published)

	if err != nil {
		for _, r := range records {
			w.errorHandler.Handle(batchContext(), r, errs.ReasonSinkError, err)
		}
		log.Warn().Str("runner", string(w.runner)).Err(err).
			Int("batch_size", len(records)).Msg("sink delivery failed")
		return
	}

	if cerr := w.offsetManager.Commit(batchContext(), records...); cerr != nil {
		log.Error().Err(cerr).Str("runner", string(w.runner)).Msg("commit of delivered batch failed")
	}
}

// publishErrorMetrics applies the estimator's multiplicative-decrease branch
// without a sink call having actually happened — the executor rejected the
// submission itself, which the estimator treats the same as a failed batch.
func (w *PushWorker) publishErrorMetrics(pm estimator.RunnerMetrics) {
	published := w.estimator.Compute(estimator.EstimateMetrics{
		Runner:        w.runner,
		Stage:         estimator.StagePusher,
		PriorCwnd:     pm.Cwnd,
		PriorSsthresh: pm.Ssthresh,
		Error:         true,
	})
	w.ctx.PublishPushMetrics(published)
}
