// Package schedule provides the "schedule" trigger connector backed by cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/robfig/cron/v3"
)

const ConnectorID = "schedule"

var ErrCronRequired = errors.New("schedule trigger cron expression is required")

// Connector runs one cron scheduler shared by every subscribed workflow.
type Connector struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	started bool
}

func New(logger *slog.Logger) *Connector {
	return &Connector{
		logger: logger.With("module", "schedule_connector"),
		cron: cron.New(cron.WithLocation(time.UTC), cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
	}
}

func (c *Connector) ID() string { return ConnectorID }

func (c *Connector) Name() string { return "Schedule (Cron)" }

func (c *Connector) Description() string {
	return "Starts a run on a schedule using standard five-field cron expressions."
}

func (c *Connector) TriggerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cron": map[string]any{
				"type":        "string",
				"description": "Cron expression (e.g., '0 */5 * * *' for every 5 hours)",
			},
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA time zone the expression is evaluated in; defaults to UTC",
			},
		},
		"required": []any{"cron"},
	}
}

// ParseSpec validates the settings and returns the cron spec used for scheduling.
func ParseSpec(settings map[string]any) (string, error) {
	expr, _ := settings["cron"].(string)
	if expr == "" {
		return "", ErrCronRequired
	}

	spec := expr
	if tz, _ := settings["timezone"].(string); tz != "" {
		_, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("invalid timezone: %w", err)
		}

		spec = "CRON_TZ=" + tz + " " + expr
	}

	_, err := cron.ParseStandard(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression: %w", err)
	}

	return spec, nil
}

func (c *Connector) Subscribe(
	ctx context.Context,
	request protocol.TriggerRequest,
	onEvent protocol.EventCallback,
) (protocol.Subscription, error) {
	spec, err := ParseSpec(request.Settings)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With("workflow_trigger_id", request.WorkflowTriggerID, "cron", spec)

	entryID, err := c.cron.AddFunc(spec, func() {
		scheduledAt := time.Now().UTC().Truncate(time.Second)
		logger.Info("Cron job triggered")

		err := onEvent(context.Background(), models.TriggerEvent{
			ID:                request.WorkflowTriggerID + "@" + scheduledAt.Format(time.RFC3339),
			WorkflowTriggerID: request.WorkflowTriggerID,
			Payload: map[string]any{
				"scheduled_at": scheduledAt.Format(time.RFC3339),
			},
			OccurredAt: scheduledAt,
		})
		if err != nil {
			logger.Error("Error starting run for schedule", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add cron job for trigger %s: %w", request.WorkflowTriggerID, err)
	}

	c.mu.Lock()
	if !c.started {
		c.cron.Start()
		c.started = true
	}
	c.mu.Unlock()

	logger.InfoContext(ctx, "Schedule subscribed", "entry_id", entryID)

	return protocol.SubscriptionFunc(func(ctx context.Context) error {
		c.cron.Remove(entryID)
		logger.InfoContext(ctx, "Schedule unsubscribed")

		return nil
	}), nil
}

// Next returns the next activation time of a subscribed entry, used by listings.
func (c *Connector) Next(settings map[string]any, from time.Time) (time.Time, error) {
	spec, err := ParseSpec(settings)
	if err != nil {
		return time.Time{}, err
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(from), nil
}

// Stop halts the scheduler and waits for running jobs.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	select {
	case <-c.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	c.started = false

	return nil
}
