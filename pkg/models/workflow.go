// Package models defines the core domain models for trigger-driven workflow automation
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft  WorkflowStatus = "draft"  // Editable, not subscribed
	WorkflowStatusActive WorkflowStatus = "active" // Subscribed, new runs allowed
	WorkflowStatusPaused WorkflowStatus = "paused" // Not subscribed, in-flight runs drain
)

// IsValid reports whether s is a known workflow status.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusActive, WorkflowStatusPaused:
		return true
	default:
		return false
	}
}

// Workflow is a stored automation definition rooted at exactly one trigger node.
// Nodes form an arena: children are referenced by node ID, never by pointer.
type Workflow struct {
	ID          string          `json:"id"                    yaml:"id"`
	Name        string          `json:"name"                  yaml:"name"                  validate:"required,min=3"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Status      WorkflowStatus  `json:"status"                yaml:"status,omitempty"`
	Nodes       []*WorkflowNode `json:"nodes"                 yaml:"nodes"                 validate:"required,min=1,dive"`
	CreatedAt   time.Time       `json:"created_at"            yaml:"-"`
	UpdatedAt   time.Time       `json:"updated_at"            yaml:"-"`
}

// Node returns the node with the given ID, or nil.
func (w *Workflow) Node(id string) *WorkflowNode {
	for _, node := range w.Nodes {
		if node != nil && node.ID == id {
			return node
		}
	}

	return nil
}

// TriggerNode returns the first trigger node of the workflow, or nil.
func (w *Workflow) TriggerNode() *WorkflowNode {
	for _, node := range w.Nodes {
		if node != nil && node.Type == NodeTypeTrigger {
			return node
		}
	}

	return nil
}

// TriggerKey builds the workflowTriggerId used to route trigger events to a workflow.
func TriggerKey(workflowID, triggerNodeID string) string {
	return workflowID + "/" + triggerNodeID
}
