package protocol

import (
	"context"

	"github.com/dukex/autoflow/pkg/models"
)

// EventCallback delivers a trigger event to the engine. Returning an error
// tells at-least-once sources to redeliver.
type EventCallback func(ctx context.Context, event models.TriggerEvent) error

// TriggerRequest is one workflow's subscription to a trigger connector.
type TriggerRequest struct {
	WorkflowID        string
	NodeID            string
	WorkflowTriggerID string
	Settings          map[string]any
}

// Subscription is a live trigger subscription.
type Subscription interface {
	Close(ctx context.Context) error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func(ctx context.Context) error

func (f SubscriptionFunc) Close(ctx context.Context) error {
	return f(ctx)
}

// TriggerConnector emits events for the workflows subscribed to it.
type TriggerConnector interface {
	Connector

	// TriggerSchema is the JSON schema of the trigger's filter settings.
	TriggerSchema() map[string]any

	// Subscribe starts delivering events for request until the subscription is closed.
	Subscribe(ctx context.Context, request TriggerRequest, onEvent EventCallback) (Subscription, error)
}
