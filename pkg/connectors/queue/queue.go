// Package queue provides the "queue" connector on Redis lists: a trigger that
// pops messages and an action that pushes them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	redis "github.com/redis/go-redis/v9"
)

const (
	ConnectorID = "queue"

	popTimeout   = 1 * time.Second
	errorBackoff = 1 * time.Second
)

var ErrQueueRequired = errors.New("queue name is required")

type Connector struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func New(client redis.UniversalClient, logger *slog.Logger) *Connector {
	return &Connector{
		client: client,
		logger: logger.With("module", "queue_connector"),
	}
}

// NewClient connects to Redis from a redis:// URL and checks the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func (c *Connector) ID() string { return ConnectorID }

func (c *Connector) Name() string { return "Redis Queue" }

func (c *Connector) Description() string {
	return "Starts a run for every message popped from a Redis list, and pushes messages onto Redis lists."
}

func (c *Connector) TriggerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queue": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []any{"queue"},
	}
}

func (c *Connector) ActionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queue":   map[string]any{"type": "string", "minLength": 1},
			"message": map[string]any{"description": "Message body; non-string values are encoded as JSON"},
		},
		"required": []any{"queue", "message"},
	}
}

func (c *Connector) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

type consumer struct {
	connector *Connector
	queue     string
	request   protocol.TriggerRequest
	onEvent   protocol.EventCallback
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func (c *Connector) Subscribe(
	ctx context.Context,
	request protocol.TriggerRequest,
	onEvent protocol.EventCallback,
) (protocol.Subscription, error) {
	queue, _ := request.Settings["queue"].(string)
	if queue == "" {
		return nil, ErrQueueRequired
	}

	q := &consumer{
		connector: c,
		queue:     queue,
		request:   request,
		onEvent:   onEvent,
		logger:    c.logger.With("queue", queue, "workflow_trigger_id", request.WorkflowTriggerID),
		stopCh:    make(chan struct{}),
	}

	q.wg.Add(1)

	go q.consume(context.WithoutCancel(ctx))

	q.logger.InfoContext(ctx, "Queue subscribed")

	return protocol.SubscriptionFunc(q.close), nil
}

func (q *consumer) close(ctx context.Context) error {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})

	q.wg.Wait()
	q.logger.InfoContext(ctx, "Queue unsubscribed")

	return nil
}

func (q *consumer) consume(ctx context.Context) {
	defer q.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := q.processMessage(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.ErrorContext(ctx, "Error processing message", "error", err)

			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *consumer) processMessage(ctx context.Context) error {
	result, err := q.connector.client.BLPop(ctx, popTimeout, q.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	event := DecodeMessage(q.request.WorkflowTriggerID, q.queue, result[1], time.Now().UTC())

	err = q.onEvent(ctx, event)
	if err != nil {
		q.logger.ErrorContext(ctx, "Error starting run for queue message", "error", err)
	}

	return nil
}

// DecodeMessage turns a raw list element into a trigger event. JSON objects
// become the payload; anything else is wrapped under "message".
func DecodeMessage(workflowTriggerID, queue, message string, receivedAt time.Time) models.TriggerEvent {
	var payload map[string]any

	err := json.Unmarshal([]byte(message), &payload)
	if err != nil || payload == nil {
		payload = map[string]any{"message": message}
	}

	eventID, _ := payload["event_id"].(string)

	payload["_queue"] = queue

	return models.TriggerEvent{
		ID:                eventID,
		WorkflowTriggerID: workflowTriggerID,
		Payload:           payload,
		OccurredAt:        receivedAt,
	}
}

// Execute pushes the message onto the tail of the queue.
func (c *Connector) Execute(
	ctx context.Context,
	request protocol.ActionRequest,
	executionCtx *models.ExecutionContext,
) (models.ActionResult, error) {
	queue, _ := request.Parameters["queue"].(string)
	if queue == "" {
		return models.ActionResult{}, protocol.Permanent(ErrQueueRequired)
	}

	var body string

	switch message := request.Parameters["message"].(type) {
	case string:
		body = message
	default:
		encoded, err := json.Marshal(message)
		if err != nil {
			return models.ActionResult{}, protocol.Permanent(fmt.Errorf("failed to encode message: %w", err))
		}

		body = string(encoded)
	}

	length, err := c.client.RPush(ctx, queue, body).Result()
	if err != nil {
		return models.ActionResult{}, protocol.Transient(fmt.Errorf("failed to push message: %w", err))
	}

	c.logger.InfoContext(ctx, "Message pushed", "queue", queue, "run_id", executionCtx.RunID, "node_id", request.NodeID)

	return models.ActionResult{
		OK:     true,
		Output: map[string]any{"queue": queue, "length": length},
	}, nil
}
