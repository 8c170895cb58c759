package models

import (
	"slices"
	"time"
)

// RunStatus is the state of one workflow execution.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusWaiting, RunStatusSucceeded, RunStatusFailed},
	RunStatusWaiting: {RunStatusRunning, RunStatusFailed},
}

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// IsInFlight reports whether a run in this state still owes work.
func (s RunStatus) IsInFlight() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusWaiting
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	return slices.Contains(runTransitions[s], next)
}

// AllowedSources returns every status that may transition into s.
func (s RunStatus) AllowedSources() []RunStatus {
	var sources []RunStatus

	for from, targets := range runTransitions {
		if slices.Contains(targets, s) {
			sources = append(sources, from)
		}
	}

	slices.Sort(sources)

	return sources
}

// Run is one execution instance of a workflow, from trigger to terminal state.
type Run struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	TriggerNodeID string         `json:"trigger_node_id"`
	EventID       string         `json:"event_id,omitempty"`
	Status        RunStatus      `json:"status"`
	Trigger       map[string]any `json:"trigger"`
	CurrentNodeID string         `json:"current_node_id"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	ResumeAt      *time.Time     `json:"resume_at,omitempty"`
	SuspendedAt   *time.Time     `json:"suspended_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	Steps         []Step         `json:"steps"`
}

// RunUpdate is the mutable part of a run. Status is required; zero values of
// the other fields leave the stored value untouched, except ResumeAt and
// SuspendedAt which are cleared whenever the run leaves the waiting state.
type RunUpdate struct {
	Status        RunStatus
	CurrentNodeID string
	ResumeAt      *time.Time
	SuspendedAt   *time.Time
	EndedAt       *time.Time
	Error         string
}

// Apply mutates run with the update. Callers check the transition first.
func (u RunUpdate) Apply(run *Run) {
	run.Status = u.Status

	if u.CurrentNodeID != "" {
		run.CurrentNodeID = u.CurrentNodeID
	}

	if u.Status == RunStatusWaiting {
		run.ResumeAt = u.ResumeAt
		run.SuspendedAt = u.SuspendedAt
	} else {
		run.ResumeAt = nil
		run.SuspendedAt = nil
	}

	if u.EndedAt != nil {
		run.EndedAt = u.EndedAt
	}

	if u.Error != "" {
		run.Error = u.Error
	}
}

// Duration returns the wall time of a terminal run.
func (r *Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}

	return r.EndedAt.Sub(r.StartedAt)
}

// HasStep reports whether a step with the same idempotency key was recorded.
func (r *Run) HasStep(nodeID string, attempt int) bool {
	for _, step := range r.Steps {
		if step.NodeID == nodeID && step.Attempt == attempt {
			return true
		}
	}

	return false
}

// Outputs rebuilds the per-node outputs of succeeded action steps.
func (r *Run) Outputs() map[string]any {
	outputs := make(map[string]any)

	for _, step := range r.Steps {
		if step.Outcome == StepOutcomeSucceeded && step.Output != nil {
			outputs[step.NodeID] = step.Output
		}
	}

	return outputs
}

// StepOutcome is the recorded result of visiting one node.
type StepOutcome string

const (
	StepOutcomePassed    StepOutcome = "passed"
	StepOutcomeSkipped   StepOutcome = "skipped"
	StepOutcomeSucceeded StepOutcome = "succeeded"
	StepOutcomeFailed    StepOutcome = "failed"
)

// Step is an immutable record of one node's outcome within a run.
// (RunID, NodeID, Attempt) is its idempotency key.
type Step struct {
	Sequence  int            `json:"sequence"`
	NodeID    string         `json:"node_id"`
	NodeType  NodeType       `json:"node_type"`
	Attempt   int            `json:"attempt"`
	Outcome   StepOutcome    `json:"outcome"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Error     string         `json:"error,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}
