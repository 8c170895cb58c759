// Package transform provides the "transform" action connector. It shapes data
// from the trigger and earlier steps into a new step output.
package transform

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

const ConnectorID = "transform"

var ErrMissingOutput = errors.New("transform requires an output parameter")

type Connector struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Connector {
	return &Connector{logger: logger.With("module", "transform_connector")}
}

func (c *Connector) ID() string { return ConnectorID }

func (c *Connector) Name() string { return "Transform" }

func (c *Connector) Description() string {
	return "Builds a new value from templated parameters. Objects become the step output; other values are stored under \"value\"."
}

func (c *Connector) ActionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"output": map[string]any{
				"description": "Templated value, e.g. {\"full_name\": \"{{ .trigger.first }} {{ .trigger.last }}\"}",
			},
		},
		"required": []any{"output"},
	}
}

func (c *Connector) Execute(
	ctx context.Context,
	request protocol.ActionRequest,
	executionCtx *models.ExecutionContext,
) (models.ActionResult, error) {
	output, ok := request.Parameters["output"]
	if !ok {
		return models.ActionResult{}, protocol.Permanent(ErrMissingOutput)
	}

	c.logger.DebugContext(ctx, "Transform completed", "run_id", executionCtx.RunID, "node_id", request.NodeID)

	if shaped, ok := output.(map[string]any); ok {
		return models.ActionResult{OK: true, Output: shaped}, nil
	}

	return models.ActionResult{OK: true, Output: map[string]any{"value": output}}, nil
}
