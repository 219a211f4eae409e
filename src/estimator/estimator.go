// Package estimator implements the TCP-Reno-inspired congestion window
// estimator (C1) that governs how many records each stage pulls per
// iteration. Compute is a pure function: no I/O, no state beyond its input.
package estimator

import (
	"time"

	"github.com/evbridge/circulator/src/record"
)

// Stage identifies which half of the pipeline a metrics sample belongs to.
type Stage string

const (
	StageTransform Stage = "TRANS"
	StagePusher    Stage = "PUSHER"
)

// Default bounds, overridable via config.
const (
	DefaultCwndMin     = 1
	DefaultSsthreshInit = 64
	DefaultCwndMax     = 1024
)

// queuePressureFraction is the remaining-capacity threshold below which the
// estimator halves a proposed cwnd (spec §4.4: "≤ 25% of total capacity").
const queuePressureFraction = 0.25

// RunnerMetrics is the published outcome of one estimator call: the window
// a stage may use on its next iteration.
type RunnerMetrics struct {
	Runner   record.RunnerName
	Stage    Stage
	Cwnd     int
	Ssthresh int
	// Rwnd is not set by Compute. The transform stage takes the push
	// stage's published Cwnd as its receiver window, not this field.
	Rwnd int
}

// EstimateMetrics is the snapshot a worker hands the estimator after a batch.
type EstimateMetrics struct {
	Runner        record.RunnerName
	Stage         Stage
	BatchSize     int
	PriorCwnd     int
	PriorSsthresh int
	// Rwnd is supplied only by the transform stage (the push stage's
	// current cwnd, read as the transform stage's receiver window). Zero
	// means "not supplied".
	Rwnd                         int
	StartTimestamp               time.Time
	EndTimestamp                 time.Time
	WorkerQueueRemainingCapacity int
	WorkerQueueTotalCapacity     int
	Error                        bool
}

// Bounds clamps cwnd (and the floor of ssthresh) to [Min, Max].
type Bounds struct {
	Min int
	Max int
}

// Estimator computes the next RunnerMetrics for a stage from its last batch.
type Estimator struct {
	Bounds Bounds
}

// New builds an Estimator with the given bounds, defaulting to the package
// constants for any non-positive value.
func New(min, max int) *Estimator {
	if min <= 0 {
		min = DefaultCwndMin
	}
	if max <= 0 || max < min {
		max = DefaultCwndMax
	}
	return &Estimator{Bounds: Bounds{Min: min, Max: max}}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Compute implements the TCP-Reno-inspired scheme of spec §4.4:
//   - error batch: multiplicative decrease (ssthresh' = max(min, cwnd/2), cwnd' = min)
//   - success batch: slow start while cwnd < ssthresh, else +1 congestion
//     avoidance, then queue-pressure halving and rwnd clamping.
func (e *Estimator) Compute(m EstimateMetrics) RunnerMetrics {
	if m.Error {
		ssthresh := m.PriorCwnd / 2
		if ssthresh < e.Bounds.Min {
			ssthresh = e.Bounds.Min
		}
		return RunnerMetrics{
			Runner:   m.Runner,
			Stage:    m.Stage,
			Cwnd:     e.Bounds.Min,
			Ssthresh: ssthresh,
		}
	}

	var cwnd int
	if m.PriorCwnd < m.PriorSsthresh {
		cwnd = m.PriorCwnd * 2
		if cwnd > m.PriorSsthresh {
			cwnd = m.PriorSsthresh
		}
	} else {
		cwnd = m.PriorCwnd + 1
	}

	if m.WorkerQueueTotalCapacity > 0 {
		remainingFrac := float64(m.WorkerQueueRemainingCapacity) / float64(m.WorkerQueueTotalCapacity)
		if remainingFrac <= queuePressureFraction {
			cwnd /= 2
		}
	}

	if m.Rwnd > 0 && m.Rwnd < cwnd {
		cwnd = m.Rwnd
	}

	cwnd = clamp(cwnd, e.Bounds.Min, e.Bounds.Max)
	ssthresh := m.PriorSsthresh
	if ssthresh < e.Bounds.Min {
		ssthresh = e.Bounds.Min
	}

	return RunnerMetrics{
		Runner:   m.Runner,
		Stage:    m.Stage,
		Cwnd:     cwnd,
		Ssthresh: ssthresh,
	}
}
