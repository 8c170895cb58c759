package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

// Triggers resolves trigger connectors by id.
type Triggers interface {
	Trigger(id string) (protocol.TriggerConnector, error)
}

// Manager owns the trigger subscriptions of active workflows.
type Manager struct {
	logger   *slog.Logger
	triggers Triggers
	onEvent  protocol.EventCallback

	mu            sync.Mutex
	subscriptions map[string]protocol.Subscription
}

func NewManager(logger *slog.Logger, triggers Triggers, onEvent protocol.EventCallback) *Manager {
	return &Manager{
		logger:        logger.With("module", "trigger_manager"),
		triggers:      triggers,
		onEvent:       onEvent,
		subscriptions: make(map[string]protocol.Subscription),
	}
}

// Subscribe starts delivering the workflow's trigger events. Subscribing an
// already subscribed workflow is a no-op.
func (m *Manager) Subscribe(ctx context.Context, workflow *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[workflow.ID]; ok {
		return nil
	}

	node := workflow.TriggerNode()
	if node == nil {
		return fmt.Errorf("workflow %s has no trigger node", workflow.ID)
	}

	logger := m.logger.With("workflow_id", workflow.ID, "trigger_id", node.ID, "source_id", node.Trigger.SourceID)

	connector, err := m.triggers.Trigger(node.Trigger.SourceID)
	if err != nil {
		return fmt.Errorf("failed to resolve trigger %s: %w", node.Trigger.SourceID, err)
	}

	workflowTriggerID := models.TriggerKey(workflow.ID, node.ID)

	subscription, err := connector.Subscribe(ctx, protocol.TriggerRequest{
		WorkflowID:        workflow.ID,
		NodeID:            node.ID,
		WorkflowTriggerID: workflowTriggerID,
		Settings:          node.Trigger.FilterSettings,
	}, func(ctx context.Context, event models.TriggerEvent) error {
		if event.WorkflowTriggerID == "" {
			event.WorkflowTriggerID = workflowTriggerID
		}

		return m.onEvent(ctx, event)
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to subscribe trigger", "error", err)

		return fmt.Errorf("failed to subscribe workflow %s: %w", workflow.ID, err)
	}

	m.subscriptions[workflow.ID] = subscription

	logger.InfoContext(ctx, "Trigger subscribed", "workflow_trigger_id", workflowTriggerID)

	return nil
}

// Unsubscribe closes the workflow's subscription, if any.
func (m *Manager) Unsubscribe(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	subscription, ok := m.subscriptions[workflowID]
	delete(m.subscriptions, workflowID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err := subscription.Close(ctx)
	if err != nil {
		return fmt.Errorf("failed to close subscription of workflow %s: %w", workflowID, err)
	}

	m.logger.InfoContext(ctx, "Trigger unsubscribed", "workflow_id", workflowID)

	return nil
}

// SubscribeAll subscribes every workflow, continuing past failures.
func (m *Manager) SubscribeAll(ctx context.Context, workflows []*models.Workflow) error {
	var errs []error

	for _, workflow := range workflows {
		err := m.Subscribe(ctx, workflow)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) Subscribed(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.subscriptions[workflowID]

	return ok
}

// Close stops every subscription.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = make(map[string]protocol.Subscription)
	m.mu.Unlock()

	var errs []error

	for workflowID, subscription := range subscriptions {
		err := subscription.Close(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to close subscription", "workflow_id", workflowID, "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
