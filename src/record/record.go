// Package record defines the data model shared by every stage of the
// circulator: the opaque event payload the core shuttles between queues,
// and the runner identity used to key every per-runner resource.
package record

import (
	"time"

	"github.com/google/uuid"
)

// RunnerName uniquely identifies a subscription-to-target binding. Every
// per-runner resource in the Circulator Context is keyed by it.
type RunnerName string

// ConnectRecord is the unit the core transports between queues and
// ultimately commits. The core treats the payload as opaque; only Runner
// and Offset are consumed directly by the circulator and offset manager.
type ConnectRecord struct {
	Runner    RunnerName
	Key       string
	Value     []byte
	Headers   map[string]string
	// Offset is the opaque commit token the OffsetManager acks against.
	// Synthesized with a uuid if the upstream source didn't carry one.
	Offset    string
	Timestamp time.Time
}

// NewConnectRecord builds a record for the given runner, synthesizing a
// commit token when the caller has no native offset to carry.
func NewConnectRecord(runner RunnerName, key string, value []byte) *ConnectRecord {
	return &ConnectRecord{
		Runner:    runner,
		Key:       key,
		Value:     value,
		Headers:   make(map[string]string),
		Offset:    uuid.NewString(),
		Timestamp: time.Now(),
	}
}

// SubscribeRunnerKeys is a configuration aggregate keyed by RunnerName. The
// core consumes only RunnerName from it; everything else is passed through
// to collaborators (the source adapter, the config observer) untouched.
type SubscribeRunnerKeys struct {
	RunnerName   RunnerName
	Subscription string
}

// TargetRunnerConfig is the payload delivered to the Lifecycle Manager by
// onAdd/onUpdate/onDelete. Only SubscribeRunnerKeys.RunnerName is consumed
// by the core.
type TargetRunnerConfig struct {
	SubscribeRunnerKeys SubscribeRunnerKeys
	Target              string
}
