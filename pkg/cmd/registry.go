// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/connectors/httprequest"
	"github.com/dukex/autoflow/pkg/connectors/kafka"
	logconnector "github.com/dukex/autoflow/pkg/connectors/log"
	"github.com/dukex/autoflow/pkg/connectors/queue"
	"github.com/dukex/autoflow/pkg/connectors/schedule"
	"github.com/dukex/autoflow/pkg/connectors/transform"
	"github.com/dukex/autoflow/pkg/connectors/webhook"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/redis/go-redis/v9"
)

type ConnectorsConfig struct {
	PluginsPath string
	// RedisURL enables the queue connector.
	RedisURL string
	// KafkaBrokers enables the kafka connector.
	KafkaBrokers []string
	// Offline registers every built-in connector without connecting to
	// Redis or Kafka. Only their schemas are usable.
	Offline bool
}

// Connectors is the populated registry plus the connectors the HTTP layer
// and shutdown need direct access to.
type Connectors struct {
	Registry *registry.Registry
	Webhook  *webhook.Connector

	redis *redis.Client
}

// NewConnectors registers the built-in connectors and any plugins.
func NewConnectors(ctx context.Context, logger *slog.Logger, config ConnectorsConfig) (*Connectors, error) {
	reg := registry.NewRegistry(logger)
	c := &Connectors{Registry: reg, Webhook: webhook.New(logger)}

	builtins := []protocol.Connector{
		c.Webhook,
		schedule.New(logger),
		httprequest.New(logger),
		transform.New(logger),
		logconnector.New(logger),
	}

	switch {
	case config.Offline:
		builtins = append(builtins, queue.New(nil, logger), kafka.New(nil, logger))
	case config.RedisURL != "":
		client, err := queue.NewClient(ctx, config.RedisURL)
		if err != nil {
			return nil, err
		}

		c.redis = client
		builtins = append(builtins, queue.New(client, logger))
	}

	if !config.Offline && len(config.KafkaBrokers) > 0 {
		builtins = append(builtins, kafka.New(config.KafkaBrokers, logger))
	}

	for _, connector := range builtins {
		err := reg.Register(connector)
		if err != nil {
			return nil, errors.Join(err, c.Close())
		}
	}

	err := reg.LoadPlugins(config.PluginsPath)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to load plugins: %w", err), c.Close())
	}

	return c, nil
}

func (c *Connectors) Close() error {
	if c.redis == nil {
		return nil
	}

	return c.redis.Close()
}
