// Package webhook provides the "webhook" trigger connector. Events arrive over
// HTTP and are handed to Deliver by the web layer.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

const ConnectorID = "webhook"

var (
	ErrNotSubscribed   = errors.New("no active webhook subscription")
	ErrInvalidSecret   = errors.New("invalid webhook secret")
	ErrPayloadRejected = errors.New("payload rejected by webhook filter")
)

// Delivery is one inbound webhook request.
type Delivery struct {
	EventID string
	Secret  string
	Payload map[string]any
	Headers map[string]string
}

type subscription struct {
	request protocol.TriggerRequest
	onEvent protocol.EventCallback
}

type Connector struct {
	logger        *slog.Logger
	now           func() time.Time
	mu            sync.RWMutex
	subscriptions map[string]*subscription
}

func New(logger *slog.Logger) *Connector {
	return &Connector{
		logger:        logger.With("module", "webhook_connector"),
		now:           time.Now,
		subscriptions: make(map[string]*subscription),
	}
}

func (c *Connector) ID() string { return ConnectorID }

func (c *Connector) Name() string { return "Webhook" }

func (c *Connector) Description() string {
	return "Starts a run for every POST to /webhooks/{workflow_id}/{node_id}. Optionally checks a shared secret and a JSON schema."
}

func (c *Connector) TriggerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"secret": map[string]any{
				"type":        "string",
				"description": "Shared secret expected in the X-Webhook-Secret header",
			},
			"schema": map[string]any{
				"type":        "object",
				"description": "JSON schema the payload must satisfy; other payloads are rejected",
			},
		},
	}
}

func (c *Connector) Subscribe(
	ctx context.Context,
	request protocol.TriggerRequest,
	onEvent protocol.EventCallback,
) (protocol.Subscription, error) {
	c.mu.Lock()
	c.subscriptions[request.WorkflowTriggerID] = &subscription{request: request, onEvent: onEvent}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "Webhook subscribed", "workflow_trigger_id", request.WorkflowTriggerID)

	return protocol.SubscriptionFunc(func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.subscriptions, request.WorkflowTriggerID)
		c.mu.Unlock()

		c.logger.InfoContext(ctx, "Webhook unsubscribed", "workflow_trigger_id", request.WorkflowTriggerID)

		return nil
	}), nil
}

// Deliver checks the delivery against the subscription settings and passes it on as a trigger event.
func (c *Connector) Deliver(ctx context.Context, workflowTriggerID string, delivery Delivery) error {
	c.mu.RLock()
	sub, ok := c.subscriptions[workflowTriggerID]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, workflowTriggerID)
	}

	settings := sub.request.Settings

	if secret, _ := settings["secret"].(string); secret != "" {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(delivery.Secret)) != 1 {
			return ErrInvalidSecret
		}
	}

	payload := delivery.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	if schema, ok := settings["schema"].(map[string]any); ok {
		err := protocol.ValidateSchema(schema, payload)
		if err != nil {
			c.logger.InfoContext(ctx, "Webhook payload filtered", "workflow_trigger_id", workflowTriggerID, "reason", err)

			return fmt.Errorf("%w: %w", ErrPayloadRejected, err)
		}
	}

	if len(delivery.Headers) > 0 {
		headers := make(map[string]any, len(delivery.Headers))
		for key, value := range delivery.Headers {
			headers[key] = value
		}

		payload["_headers"] = headers
	}

	return sub.onEvent(ctx, models.TriggerEvent{
		ID:                delivery.EventID,
		WorkflowTriggerID: workflowTriggerID,
		Payload:           payload,
		OccurredAt:        c.now().UTC(),
	})
}

// Subscribed reports whether a workflow trigger currently accepts deliveries.
func (c *Connector) Subscribed(workflowTriggerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.subscriptions[workflowTriggerID]

	return ok
}
