//go:build integration

package kafka_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/dukex/autoflow/pkg/connectors/kafka"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestConnector_ConsumesTopic(t *testing.T) {
	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("test-cluster"))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, container.Terminate(ctx))
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Producer.Return.Successes = true

	admin, err := sarama.NewClusterAdmin(brokers, config)
	require.NoError(t, err)
	require.NoError(t, admin.CreateTopic("leads", &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}, false))
	require.NoError(t, admin.Close())

	c := kafka.New(brokers, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	events := make(chan models.TriggerEvent, 10)

	sub, err := c.Subscribe(ctx, protocol.TriggerRequest{
		WorkflowTriggerID: "wf/t",
		Settings:          map[string]any{"topic": "leads"},
	}, func(_ context.Context, event models.TriggerEvent) error {
		events <- event

		return nil
	})
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, sub.Close(ctx))
	}()

	producer, err := sarama.NewSyncProducer(brokers, config)
	require.NoError(t, err)

	defer producer.Close()

	deadline := time.After(60 * time.Second)

	for {
		_, _, err = producer.SendMessage(&sarama.ProducerMessage{Topic: "leads", Value: sarama.StringEncoder(`{"email":"a@b.c"}`)})
		require.NoError(t, err)

		select {
		case event := <-events:
			assert.Equal(t, "wf/t", event.WorkflowTriggerID)
			assert.Equal(t, map[string]any{"email": "a@b.c"}, event.Payload["message"])

			return
		case <-time.After(2 * time.Second):
		case <-deadline:
			t.Fatal("no event consumed")
		}
	}
}
