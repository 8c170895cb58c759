package models

import "time"

// TriggerEvent is one occurrence delivered by a trigger connector.
// ID is optional; when set it deduplicates redeliveries of the same event.
type TriggerEvent struct {
	ID                string         `json:"id,omitempty"`
	WorkflowTriggerID string         `json:"workflow_trigger_id"`
	Payload           map[string]any `json:"payload"`
	OccurredAt        time.Time      `json:"occurred_at"`
}

// ExecutionContext is what actions and conditions see while a run progresses.
type ExecutionContext struct {
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Trigger    map[string]any `json:"trigger"`
	Steps      map[string]any `json:"steps"`
}

// NewExecutionContext rebuilds the context of run from its stored trigger payload and step outputs.
func NewExecutionContext(run *Run) *ExecutionContext {
	trigger := run.Trigger
	if trigger == nil {
		trigger = map[string]any{}
	}

	return &ExecutionContext{
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		Trigger:    trigger,
		Steps:      run.Outputs(),
	}
}

// Data exposes the context as template and predicate input.
func (c *ExecutionContext) Data() map[string]any {
	return map[string]any{
		"trigger": c.Trigger,
		"steps":   c.Steps,
		"run": map[string]any{
			"id":          c.RunID,
			"workflow_id": c.WorkflowID,
		},
	}
}

// ActionResult is returned by an action connector.
type ActionResult struct {
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output,omitempty"`
}
