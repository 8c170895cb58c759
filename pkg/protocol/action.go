package protocol

import (
	"context"

	"github.com/dukex/autoflow/pkg/models"
)

// ActionRequest carries an action node's parameters, already rendered against the run context.
type ActionRequest struct {
	NodeID     string
	Attempt    int
	Parameters map[string]any
}

// ActionConnector performs side effects. Side effects happen only inside Execute.
type ActionConnector interface {
	Connector

	// ActionSchema is the JSON schema of the action's parameters.
	ActionSchema() map[string]any

	// Execute runs the action. Failures should be wrapped with Transient or
	// Permanent; unclassified errors are treated as permanent.
	Execute(ctx context.Context, request ActionRequest, executionCtx *models.ExecutionContext) (models.ActionResult, error)
}
