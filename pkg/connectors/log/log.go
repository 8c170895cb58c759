// Package log provides the "log" action connector, which writes a structured log line.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

const ConnectorID = "log"

type Connector struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Connector {
	return &Connector{logger: logger.With("module", "log_connector")}
}

func (c *Connector) ID() string { return ConnectorID }

func (c *Connector) Name() string { return "Log" }

func (c *Connector) Description() string {
	return "Writes a message to the engine log. Useful for debugging and audit trails."
}

func (c *Connector) ActionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "description": "Message to log. Supports templating."},
			"level":   map[string]any{"type": "string", "enum": []any{"debug", "info", "warn", "error"}},
			"fields":  map[string]any{"type": "object", "description": "Extra attributes attached to the log line"},
		},
		"required": []any{"message"},
	}
}

func (c *Connector) Execute(
	ctx context.Context,
	request protocol.ActionRequest,
	executionCtx *models.ExecutionContext,
) (models.ActionResult, error) {
	message := fmt.Sprintf("%v", request.Parameters["message"])

	level := slog.LevelInfo
	if raw, ok := request.Parameters["level"].(string); ok {
		err := level.UnmarshalText([]byte(strings.ToUpper(raw)))
		if err != nil {
			return models.ActionResult{}, protocol.Permanent(fmt.Errorf("invalid log level %q: %w", raw, err))
		}
	}

	attrs := []any{"workflow_id", executionCtx.WorkflowID, "run_id", executionCtx.RunID, "node_id", request.NodeID}

	if fields, ok := request.Parameters["fields"].(map[string]any); ok {
		for key, value := range fields {
			attrs = append(attrs, key, value)
		}
	}

	c.logger.Log(ctx, level, message, attrs...)

	return models.ActionResult{
		OK:     true,
		Output: map[string]any{"message": message, "level": strings.ToLower(level.String())},
	}, nil
}
