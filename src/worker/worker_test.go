package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evbridge/circulator/src/circulator"
	"github.com/evbridge/circulator/src/errs"
	"github.com/evbridge/circulator/src/estimator"
	"github.com/evbridge/circulator/src/offset"
	"github.com/evbridge/circulator/src/record"
	"github.com/evbridge/circulator/src/sink"
	"github.com/evbridge/circulator/src/transform"
	"github.com/evbridge/circulator/src/workerpool"
)

func newTestFanout() *workerpool.Executor {
	return workerpool.New(4, 64)
}

func newBrokerForTest(t *testing.T) (*circulator.Context, *errs.Recorder) {
	t.Helper()
	rec := errs.NewRecorder()
	ctx := circulator.New(circulator.Config{
		InitialCwnd:             1,
		InitialSsthresh:         64,
		TargetQueueOfferTimeout: 50 * time.Millisecond,
	}, rec)
	return ctx, rec
}

func enqueueN(t *testing.T, ctx *circulator.Context, runner record.RunnerName, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, ctx.EnqueueEvent(context.Background(), record.NewConnectRecord(runner, "k", nil)))
	}
}

// TestTransformWorkerHappyPath exercises spec.md §8 scenario 1: 10 records
// through an Identity engine with nothing else running downstream. The push
// cell is published at the upper bound first, since the transform stage
// clamps its cwnd to the push stage's cwnd (rwnd), which starts at 1. Since
// the worker is the only goroutine touching the bundle besides the test's
// own pre-loop setup, the slow-start trajectory is fully deterministic:
// cwnd doubles once per successful batch (1->2->4->8->16) regardless of how
// many records that batch actually contained.
func TestTransformWorkerHappyPath(t *testing.T) {
	ctx, errRec := newBrokerForTest(t)
	ctx.PutRunner(circulator.BundleSpec{
		Runner:          "r1",
		TransformEngine: transform.Identity{},
		Sink:            sink.NewRecorder(),
	})
	ctx.PublishPushMetrics(estimator.RunnerMetrics{
		Runner: "r1", Stage: estimator.StagePusher,
		Cwnd: estimator.DefaultCwndMax, Ssthresh: estimator.DefaultSsthreshInit,
	})
	enqueueN(t, ctx, "r1", 10)

	est := estimator.New(estimator.DefaultCwndMin, estimator.DefaultCwndMax)
	offsetMgr := offset.NewInMemory()
	w := NewTransformWorker(TransformWorkerConfig{
		Runner:        "r1",
		Context:       ctx,
		Estimator:     est,
		OffsetManager: offsetMgr,
		ErrorHandler:  errRec,
		Fanout:        newTestFanout(),
		EmptyWait:     10 * time.Millisecond,
	})
	go w.Run()

	require.Eventually(t, func() bool {
		tm, ok := ctx.GetTransformMetrics("r1")
		return ok && tm.Cwnd == 16
	}, time.Second, time.Millisecond)

	w.Stop()
	<-w.Done()

	forwarded := ctx.TakeTargetRecords("r1", 100)
	assert.Len(t, forwarded, 10)
	assert.Empty(t, errRec.Entries())
}

// TestPushWorkerSinkFailure exercises spec.md §8 scenario 2: the first
// delivery attempt fails (batch size 1, since pushMetrics.Cwnd starts at the
// estimator minimum), the remaining 9 records succeed across subsequent
// batches under congestion avoidance. Fully deterministic for the same
// reason as the transform happy path: nothing else touches the bundle.
func TestPushWorkerSinkFailure(t *testing.T) {
	ctx, errRec := newBrokerForTest(t)
	sinkRec := sink.NewRecorder()
	sinkRec.FailOnCall(1, errors.New("delivery unavailable"))
	ctx.PutRunner(circulator.BundleSpec{
		Runner:          "r1",
		TransformEngine: transform.Identity{},
		Sink:            sinkRec,
	})

	var recs []*record.ConnectRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, record.NewConnectRecord("r1", "k", nil))
	}
	ctx.OfferTargetTaskQueue(context.Background(), recs)

	est := estimator.New(estimator.DefaultCwndMin, estimator.DefaultCwndMax)
	offsetMgr := offset.NewInMemory()
	w := NewPushWorker(PushWorkerConfig{
		Runner:        "r1",
		Context:       ctx,
		Estimator:     est,
		OffsetManager: offsetMgr,
		ErrorHandler:  errRec,
		EmptyWait:     10 * time.Millisecond,
	})
	go w.Run()

	require.Eventually(t, func() bool {
		return offsetMgr.Count("r1") == 9 && len(errRec.Entries()) == 1
	}, 2*time.Second, time.Millisecond)

	w.Stop()
	<-w.Done()

	assert.Equal(t, errs.ReasonSinkError, errRec.Entries()[0].Reason)
	pm, ok := ctx.GetPushMetrics("r1")
	require.True(t, ok)
	assert.Equal(t, 5, pm.Cwnd)
	assert.Equal(t, 1, pm.Ssthresh)
}

// TestTransformDropCommitsImmediately exercises spec.md §8 scenario 3: a
// transform engine that drops every other record. Dropped records are
// committed straight from the transform worker without ever reaching the
// push stage; survivors flow through to the sink and are committed there.
// Both stages run so the end state is "10 in, 5 delivered, 10 committed".
func TestTransformDropCommitsImmediately(t *testing.T) {
	ctx, errRec := newBrokerForTest(t)
	sinkRec := sink.NewRecorder()
	ctx.PutRunner(circulator.BundleSpec{
		Runner:          "r1",
		TransformEngine: &transform.DropEvery{N: 2},
		Sink:            sinkRec,
	})
	enqueueN(t, ctx, "r1", 10)

	est := estimator.New(estimator.DefaultCwndMin, estimator.DefaultCwndMax)
	offsetMgr := offset.NewInMemory()
	tw := NewTransformWorker(TransformWorkerConfig{
		Runner: "r1", Context: ctx, Estimator: est,
		OffsetManager: offsetMgr, ErrorHandler: errRec,
		Fanout: newTestFanout(), EmptyWait: 10 * time.Millisecond,
	})
	pw := NewPushWorker(PushWorkerConfig{
		Runner: "r1", Context: ctx, Estimator: est,
		OffsetManager: offsetMgr, ErrorHandler: errRec,
		EmptyWait: 10 * time.Millisecond,
	})
	go tw.Run()
	go pw.Run()

	require.Eventually(t, func() bool {
		return offsetMgr.Count("r1") == 10
	}, 2*time.Second, time.Millisecond)

	tw.Stop()
	pw.Stop()
	<-tw.Done()
	<-pw.Done()

	assert.Len(t, sinkRec.Delivered(), 5)
	assert.Empty(t, errRec.Entries())
}

// TestTransformWorkerPicksUpEngineSwap demonstrates spec.md §5's bundle
// ownership rule: a worker only holds a RunnerName, so a live PutRunner
// swap is observed on the worker's very next iteration without a restart.
func TestTransformWorkerPicksUpEngineSwap(t *testing.T) {
	ctx, errRec := newBrokerForTest(t)
	ctx.PutRunner(circulator.BundleSpec{
		Runner:          "r1",
		TransformEngine: transform.Identity{},
		Sink:            sink.NewRecorder(),
	})

	est := estimator.New(estimator.DefaultCwndMin, estimator.DefaultCwndMax)
	offsetMgr := offset.NewInMemory()
	w := NewTransformWorker(TransformWorkerConfig{
		Runner: "r1", Context: ctx, Estimator: est,
		OffsetManager: offsetMgr, ErrorHandler: errRec,
		Fanout: newTestFanout(), EmptyWait: 5 * time.Millisecond,
	})
	go w.Run()
	defer func() {
		w.Stop()
		<-w.Done()
	}()

	enqueueN(t, ctx, "r1", 4)
	require.Eventually(t, func() bool {
		return len(ctx.TakeTargetRecords("r1", 100)) == 4
	}, time.Second, time.Millisecond)

	ctx.PutRunner(circulator.BundleSpec{
		Runner:          "r1",
		TransformEngine: &transform.DropEvery{N: 1},
		Sink:            sink.NewRecorder(),
	})

	enqueueN(t, ctx, "r1", 3)
	require.Eventually(t, func() bool {
		return offsetMgr.Count("r1") == 3
	}, time.Second, time.Millisecond)

	assert.Empty(t, ctx.TakeTargetRecords("r1", 100))
}

// TestPushWorkerSurvivesExecutorReplacement exercises spec.md §8 scenario 4
// (dynamic update) and §7 ConfigurationRace with a *live* PushWorker rather
// than lifecycle's fakeWorker test double: PutRunner repeatedly swaps the
// bundle and asynchronously stops the retired executor while the worker's
// Run loop is concurrently resolving and submitting to whichever *Executor
// GetExecutorService happened to hand it. It must never panic. Run with
// -race to confirm the swap is also data-race-free.
func TestPushWorkerSurvivesExecutorReplacement(t *testing.T) {
	ctx, errRec := newBrokerForTest(t)
	ctx.PutRunner(circulator.BundleSpec{
		Runner:          "r1",
		TransformEngine: transform.Identity{},
		Sink:            sink.NewRecorder(),
	})

	est := estimator.New(estimator.DefaultCwndMin, estimator.DefaultCwndMax)
	offsetMgr := offset.NewInMemory()
	w := NewPushWorker(PushWorkerConfig{
		Runner: "r1", Context: ctx, Estimator: est,
		OffsetManager: offsetMgr, ErrorHandler: errRec,
		EmptyWait: time.Millisecond,
	})
	go w.Run()
	defer func() {
		w.Stop()
		<-w.Done()
	}()

	feeding := make(chan struct{})
	go func() {
		defer close(feeding)
		for i := 0; i < 50; i++ {
			ctx.OfferTargetTaskQueue(context.Background(), []*record.ConnectRecord{
				record.NewConnectRecord("r1", "k", nil),
			})
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 50; i++ {
		ctx.PutRunner(circulator.BundleSpec{
			Runner:          "r1",
			TransformEngine: transform.Identity{},
			Sink:            sink.NewRecorder(),
		})
		time.Sleep(time.Millisecond)
	}

	<-feeding
}

// TestTransformWorkerStopsPromptly covers the cooperative-shutdown contract
// of spec.md §5: Stop followed by a receive on Done must not hang, even
// with no work queued.
func TestTransformWorkerStopsPromptly(t *testing.T) {
	ctx, errRec := newBrokerForTest(t)
	ctx.PutRunner(circulator.BundleSpec{
		Runner:          "r1",
		TransformEngine: transform.Identity{},
		Sink:            sink.NewRecorder(),
	})
	est := estimator.New(estimator.DefaultCwndMin, estimator.DefaultCwndMax)
	w := NewTransformWorker(TransformWorkerConfig{
		Runner: "r1", Context: ctx, Estimator: est,
		OffsetManager: offset.NewInMemory(), ErrorHandler: errRec,
		Fanout: newTestFanout(), EmptyWait: time.Minute,
	})
	go w.Run()
	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop promptly")
	}
}
