package circulator

import (
	"fmt"

	"github.com/evbridge/circulator/src/record"
)

func errUnknownRunner(runner record.RunnerName) error {
	return fmt.Errorf("circulator: no bundle for runner %q", runner)
}

func errTargetQueueFull(runner record.RunnerName) error {
	return fmt.Errorf("circulator: target queue full for runner %q", runner)
}
