package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrActionNotOK       = errors.New("action reported failure")
	ErrNodeNotInWorkflow = errors.New("node is no longer part of the workflow")
	ErrRunNotRunning     = errors.New("run is not running")
	ErrRunInterrupted    = errors.New("run interrupted")
)

// SchedulerError is a store failure during a resume tick. The affected runs
// stay waiting and are picked up again on the next tick.
type SchedulerError struct {
	Op    string
	RunID string
	Err   error
}

func (e *SchedulerError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("scheduler %s failed for run %s: %v", e.Op, e.RunID, e.Err)
	}

	return fmt.Sprintf("scheduler %s failed: %v", e.Op, e.Err)
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// IsSchedulerError reports whether err is or wraps a *SchedulerError.
func IsSchedulerError(err error) bool {
	var schedulerErr *SchedulerError

	return errors.As(err, &schedulerErr)
}
