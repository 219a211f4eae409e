package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func successMetrics(cwnd, ssthresh int) EstimateMetrics {
	return EstimateMetrics{
		Runner:                       "r1",
		Stage:                        StageTransform,
		BatchSize:                    cwnd,
		PriorCwnd:                    cwnd,
		PriorSsthresh:                ssthresh,
		StartTimestamp:               time.Unix(0, 0),
		EndTimestamp:                 time.Unix(0, int64(time.Millisecond)),
		WorkerQueueRemainingCapacity: 100,
		WorkerQueueTotalCapacity:     100,
	}
}

// TestSlowStartToCongestionAvoidance is scenario 6 of spec.md §8: starting at
// cwnd=1, ssthresh=4, six consecutive success batches should trace
// 1 -> 2 -> 4 -> 5 -> 6 -> 7 -> 8.
func TestSlowStartToCongestionAvoidance(t *testing.T) {
	e := New(1, 1024)
	cwnd, ssthresh := 1, 4
	want := []int{2, 4, 5, 6, 7, 8}

	for i, expect := range want {
		out := e.Compute(successMetrics(cwnd, ssthresh))
		require.Equal(t, expect, out.Cwnd, "step %d", i)
		cwnd = out.Cwnd
		ssthresh = out.Ssthresh
	}
}

// TestErrorBatchHalves is I3: on an error batch, cwnd' = CWND_MIN and
// ssthresh' = max(CWND_MIN, priorCwnd/2).
func TestErrorBatchHalves(t *testing.T) {
	e := New(1, 1024)
	out := e.Compute(EstimateMetrics{
		Runner:        "r1",
		Stage:         StagePusher,
		PriorCwnd:     10,
		PriorSsthresh: 64,
		Error:         true,
	})
	assert.Equal(t, 1, out.Cwnd)
	assert.Equal(t, 5, out.Ssthresh)

	// Even a prior cwnd of 1 keeps ssthresh floored at CWND_MIN.
	out = e.Compute(EstimateMetrics{PriorCwnd: 1, PriorSsthresh: 64, Error: true})
	assert.Equal(t, 1, out.Cwnd)
	assert.Equal(t, 1, out.Ssthresh)
}

// TestSlowStartDoubling is I4.
func TestSlowStartDoubling(t *testing.T) {
	e := New(1, 1024)
	out := e.Compute(successMetrics(3, 64))
	assert.Equal(t, 6, out.Cwnd)
}

// TestCongestionAvoidancePlusOne is I5.
func TestCongestionAvoidancePlusOne(t *testing.T) {
	e := New(1, 1024)
	out := e.Compute(successMetrics(64, 64))
	assert.Equal(t, 65, out.Cwnd)
}

// TestQueuePressureHalves covers the downward-pressure clause: remaining
// capacity at or below 25% halves the proposed cwnd.
func TestQueuePressureHalves(t *testing.T) {
	e := New(1, 1024)
	m := successMetrics(10, 64)
	m.WorkerQueueRemainingCapacity = 10
	m.WorkerQueueTotalCapacity = 100
	out := e.Compute(m)
	// slow start would give min(20,64)=20, halved by pressure -> 10
	assert.Equal(t, 10, out.Cwnd)
}

// TestRwndClamp covers the transform stage being clamped by the observed
// downstream (push) cwnd.
func TestRwndClamp(t *testing.T) {
	e := New(1, 1024)
	m := successMetrics(64, 64) // congestion avoidance -> 65
	m.Rwnd = 40
	out := e.Compute(m)
	assert.Equal(t, 40, out.Cwnd)
}

// TestBoundsClamp is I2: cwnd and ssthresh stay within [CWND_MIN, CWND_MAX].
func TestBoundsClamp(t *testing.T) {
	e := New(1, 100)
	out := e.Compute(successMetrics(99, 200))
	assert.LessOrEqual(t, out.Cwnd, 100)
	assert.GreaterOrEqual(t, out.Cwnd, 1)
	assert.GreaterOrEqual(t, out.Ssthresh, 1)
}

// TestComputeIsPure is P2.
func TestComputeIsPure(t *testing.T) {
	e := New(1, 1024)
	m := successMetrics(5, 64)
	a := e.Compute(m)
	b := e.Compute(m)
	assert.Equal(t, a, b)
}
