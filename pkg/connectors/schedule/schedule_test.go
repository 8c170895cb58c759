package schedule_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/connectors/schedule"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		want     string
		wantErr  bool
	}{
		{"standard", map[string]any{"cron": "*/5 * * * *"}, "*/5 * * * *", false},
		{"descriptor", map[string]any{"cron": "@daily"}, "@daily", false},
		{"timezone", map[string]any{"cron": "0 9 * * 1", "timezone": "Europe/Lisbon"}, "CRON_TZ=Europe/Lisbon 0 9 * * 1", false},
		{"missing", map[string]any{}, "", true},
		{"invalid", map[string]any{"cron": "every monday"}, "", true},
		{"bad timezone", map[string]any{"cron": "* * * * *", "timezone": "Mars/Olympus"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := schedule.ParseSpec(tt.settings)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, spec)
		})
	}
}

func TestConnector_Next(t *testing.T) {
	c := schedule.New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	from := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

	next, err := c.Next(map[string]any{"cron": "0 9 * * *"}, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), next)
}

func TestConnector_SubscribeAndClose(t *testing.T) {
	c := schedule.New(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	_, err := c.Subscribe(context.Background(), protocol.TriggerRequest{
		WorkflowTriggerID: "wf/t",
		Settings:          map[string]any{"cron": "not cron"},
	}, func(context.Context, models.TriggerEvent) error { return nil })
	require.Error(t, err)

	sub, err := c.Subscribe(context.Background(), protocol.TriggerRequest{
		WorkflowTriggerID: "wf/t",
		Settings:          map[string]any{"cron": "0 0 1 1 *"},
	}, func(context.Context, models.TriggerEvent) error { return nil })
	require.NoError(t, err)
	require.NoError(t, sub.Close(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Stop(ctx))
}
