package log_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	logconnector "github.com/dukex/autoflow/pkg/connectors/log"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnector_Execute(t *testing.T) {
	var buf bytes.Buffer

	c := logconnector.New(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	result, err := c.Execute(context.Background(), protocol.ActionRequest{
		NodeID: "audit",
		Parameters: map[string]any{
			"message": "lead qualified",
			"level":   "warn",
			"fields":  map[string]any{"score": 0.9},
		},
	}, &models.ExecutionContext{WorkflowID: "wf-1", RunID: "run-1"})
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, "lead qualified", result.Output["message"])
	assert.Equal(t, "warn", result.Output["level"])
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), `msg="lead qualified"`)
	assert.Contains(t, buf.String(), "run_id=run-1")
	assert.Contains(t, buf.String(), "score=0.9")
}

func TestConnector_InvalidLevel(t *testing.T) {
	c := logconnector.New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	_, err := c.Execute(context.Background(), protocol.ActionRequest{
		Parameters: map[string]any{"message": "x", "level": "loud"},
	}, &models.ExecutionContext{})
	require.Error(t, err)
	assert.False(t, protocol.IsTransient(err))
}
