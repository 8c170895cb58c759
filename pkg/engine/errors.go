package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/persistence"
)

var (
	// Validation errors (400).
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidEvent    = errors.New("invalid trigger event")

	// Conflicts (409).
	ErrWorkflowExists          = errors.New("workflow already exists")
	ErrWorkflowActive          = errors.New("workflow is active; pause it first")
	ErrWorkflowNotActive       = errors.New("workflow is not active")
	ErrWorkflowHasInFlightRuns = errors.New("workflow has in-flight runs")

	// Not found (404).
	ErrUnknownTrigger = errors.New("no workflow listens on this trigger")
)

// EngineError adds the failing operation and workflow to an engine error.
type EngineError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *EngineError) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.WorkflowID, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func newError(op, workflowID string, err error) *EngineError {
	return &EngineError{Op: op, WorkflowID: workflowID, Err: err}
}

func invalidWorkflow(op, workflowID string, err error) *EngineError {
	return newError(op, workflowID, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err))
}

// IsValidationError reports errors caused by the caller's input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidWorkflow) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, persistence.ErrInvalidSortField) ||
		errors.Is(err, persistence.ErrInvalidSortOrder) ||
		graph.IsGraphError(err)
}

// IsConflictError reports errors caused by the workflow's current state.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowExists) ||
		errors.Is(err, ErrWorkflowActive) ||
		errors.Is(err, ErrWorkflowNotActive) ||
		errors.Is(err, ErrWorkflowHasInFlightRuns)
}

// IsNotFoundError reports errors for workflows, runs or triggers that do not exist.
func IsNotFoundError(err error) bool {
	return errors.Is(err, persistence.ErrWorkflowNotFound) ||
		errors.Is(err, persistence.ErrRunNotFound) ||
		errors.Is(err, ErrUnknownTrigger)
}
