// Package kafka provides the "kafka" trigger connector: every message on a topic starts a run.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

const (
	ConnectorID = "kafka"

	kafkaSessionTimeout    = 10 * time.Second
	kafkaHeartbeatInterval = 3 * time.Second
	kafkaRetryInterval     = 5 * time.Second
)

var ErrTopicRequired = errors.New("kafka trigger topic is required")

type Connector struct {
	brokers []string
	logger  *slog.Logger
}

// New creates the connector. brokers is used when a subscription does not name its own.
func New(brokers []string, logger *slog.Logger) *Connector {
	return &Connector{
		brokers: brokers,
		logger:  logger.With("module", "kafka_connector"),
	}
}

func (c *Connector) ID() string { return ConnectorID }

func (c *Connector) Name() string { return "Kafka Topic" }

func (c *Connector) Description() string {
	return "Starts a run for every message published to a Kafka topic."
}

func (c *Connector) TriggerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topic":          map[string]any{"type": "string", "minLength": 1},
			"consumer_group": map[string]any{"type": "string"},
			"brokers":        map[string]any{"type": "string", "description": "Comma separated broker list"},
		},
		"required": []any{"topic"},
	}
}

// Settings are the parsed trigger settings of one subscription.
type Settings struct {
	Topic         string
	ConsumerGroup string
	Brokers       []string
}

func (c *Connector) ParseSettings(request protocol.TriggerRequest) (Settings, error) {
	topic, _ := request.Settings["topic"].(string)
	if topic == "" {
		return Settings{}, ErrTopicRequired
	}

	group, _ := request.Settings["consumer_group"].(string)
	if group == "" {
		group = "autoflow-" + strings.ReplaceAll(request.WorkflowTriggerID, "/", "-")
	}

	brokers := c.brokers

	if raw, _ := request.Settings["brokers"].(string); raw != "" {
		brokers = nil

		for _, broker := range strings.Split(raw, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				brokers = append(brokers, broker)
			}
		}
	}

	if len(brokers) == 0 {
		return Settings{}, errors.New("kafka trigger brokers are required")
	}

	return Settings{Topic: topic, ConsumerGroup: group, Brokers: brokers}, nil
}

func (c *Connector) Subscribe(
	ctx context.Context,
	request protocol.TriggerRequest,
	onEvent protocol.EventCallback,
) (protocol.Subscription, error) {
	settings, err := c.ParseSettings(request)
	if err != nil {
		return nil, err
	}

	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Session.Timeout = kafkaSessionTimeout
	config.Consumer.Group.Heartbeat.Interval = kafkaHeartbeatInterval
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(settings.Brokers, settings.ConsumerGroup, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	logger := c.logger.With("topic", settings.Topic, "consumer_group", settings.ConsumerGroup, "workflow_trigger_id", request.WorkflowTriggerID)
	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	handler := &consumerGroupHandler{
		workflowTriggerID: request.WorkflowTriggerID,
		onEvent:           onEvent,
		logger:            logger,
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for consumeCtx.Err() == nil {
			err := group.Consume(consumeCtx, []string{settings.Topic}, handler)
			if err != nil && consumeCtx.Err() == nil {
				logger.ErrorContext(consumeCtx, "Kafka consumer error", "error", err)

				select {
				case <-time.After(kafkaRetryInterval):
				case <-consumeCtx.Done():
				}
			}
		}
	}()

	go func() {
		defer wg.Done()

		for {
			select {
			case err, ok := <-group.Errors():
				if !ok {
					return
				}

				logger.ErrorContext(consumeCtx, "Kafka consumer group error", "error", err)
			case <-consumeCtx.Done():
				return
			}
		}
	}()

	logger.InfoContext(ctx, "Kafka subscribed")

	return protocol.SubscriptionFunc(func(ctx context.Context) error {
		cancel()
		wg.Wait()

		err := group.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Error closing Kafka consumer", "error", err)

			return err
		}

		logger.InfoContext(ctx, "Kafka unsubscribed")

		return nil
	}), nil
}

type consumerGroupHandler struct {
	workflowTriggerID string
	onEvent           protocol.EventCallback
	logger            *slog.Logger
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.InfoContext(session.Context(), "Kafka consumer group session started")

	return nil
}

func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.logger.InfoContext(session.Context(), "Kafka consumer group session ended")

	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for message := range claim.Messages() {
		event := DecodeMessage(h.workflowTriggerID, message)

		err := h.onEvent(ctx, event)
		if err != nil {
			h.logger.ErrorContext(ctx, "Error starting run for Kafka message", "error", err, "offset", message.Offset)
		}

		session.MarkMessage(message, "")
	}

	return nil
}

// DecodeMessage builds a trigger event from a consumed message. The event id
// is derived from topic, partition and offset so redeliveries deduplicate.
func DecodeMessage(workflowTriggerID string, message *sarama.ConsumerMessage) models.TriggerEvent {
	var body any

	if len(message.Value) > 0 {
		err := json.Unmarshal(message.Value, &body)
		if err != nil {
			body = string(message.Value)
		}
	}

	headers := make(map[string]any, len(message.Headers))
	for _, header := range message.Headers {
		headers[string(header.Key)] = string(header.Value)
	}

	occurredAt := message.Timestamp.UTC()
	if message.Timestamp.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return models.TriggerEvent{
		ID:                fmt.Sprintf("%s-%d-%d", message.Topic, message.Partition, message.Offset),
		WorkflowTriggerID: workflowTriggerID,
		Payload: map[string]any{
			"topic":     message.Topic,
			"partition": message.Partition,
			"offset":    message.Offset,
			"key":       string(message.Key),
			"message":   body,
			"headers":   headers,
		},
		OccurredAt: occurredAt,
	}
}
