// Package events defines event types and structures for workflow and run lifecycle notifications.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle event; EventTypeMetadataKey tells them apart.
const Topic = "autoflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunWaitingEvent   EventType = "run.waiting"
	RunResumedEvent   EventType = "run.resumed"
	RunSucceededEvent EventType = "run.succeeded"
	RunFailedEvent    EventType = "run.failed"

	// Workflow lifecycle events.
	WorkflowActivatedEvent EventType = "workflow.activated"
	WorkflowPausedEvent    EventType = "workflow.paused"

	// TriggerReceivedEvent carries a trigger event from a connector running in another process.
	TriggerReceivedEvent EventType = "trigger.received"
)

var ErrMissingField = errors.New("missing required field")

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

type RunStarted struct {
	BaseEvent

	RunID         string `json:"run_id"`
	TriggerNodeID string `json:"trigger_node_id"`
	EventID       string `json:"event_id,omitempty"`
}

func (r RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunWaiting struct {
	BaseEvent

	RunID    string    `json:"run_id"`
	NodeID   string    `json:"node_id"`
	ResumeAt time.Time `json:"resume_at"`
}

func (r RunWaiting) GetType() EventType {
	return RunWaitingEvent
}

type RunResumed struct {
	BaseEvent

	RunID    string `json:"run_id"`
	NodeID   string `json:"node_id"`
	WaitedMs int64  `json:"waited_ms"`
}

func (r RunResumed) GetType() EventType {
	return RunResumedEvent
}

type RunSucceeded struct {
	BaseEvent

	RunID      string `json:"run_id"`
	DurationMs int64  `json:"duration_ms"`
	StepCount  int    `json:"step_count"`
}

func (r RunSucceeded) GetType() EventType {
	return RunSucceededEvent
}

type RunFailed struct {
	BaseEvent

	RunID      string `json:"run_id"`
	NodeID     string `json:"node_id"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (r RunFailed) GetType() EventType {
	return RunFailedEvent
}

type WorkflowActivated struct {
	BaseEvent

	WorkflowName string `json:"workflow_name"`
}

func (w WorkflowActivated) GetType() EventType {
	return WorkflowActivatedEvent
}

type WorkflowPaused struct {
	BaseEvent

	WorkflowName string `json:"workflow_name"`
}

func (w WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

// TriggerReceived is a trigger event in transit between a connector and the engine.
type TriggerReceived struct {
	BaseEvent

	WorkflowTriggerID string         `json:"workflow_trigger_id"`
	EventID           string         `json:"event_id,omitempty"`
	Payload           map[string]any `json:"payload"`
	OccurredAt        time.Time      `json:"occurred_at"`
}

func (t TriggerReceived) GetType() EventType {
	return TriggerReceivedEvent
}

// Validate checks the fields the engine needs to route the event.
func (t TriggerReceived) Validate() error {
	if t.WorkflowTriggerID == "" {
		return errors.Join(ErrMissingField, errors.New("workflow_trigger_id"))
	}

	return nil
}
