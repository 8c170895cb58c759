// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// WorkflowRequest is the body of POST /workflows and PUT /workflows/{id}.
// The id is only honoured on create; updates take it from the path.
type WorkflowRequest struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name"                  validate:"required,min=3"`
	Description string                 `json:"description,omitempty"`
	Nodes       []*models.WorkflowNode `json:"nodes"                 validate:"required,min=1"`
}

// Workflow converts the request into a workflow definition. Status and
// timestamps are owned by the engine.
func (r WorkflowRequest) Workflow() *models.Workflow {
	return &models.Workflow{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Nodes:       r.Nodes,
	}
}

// ListWorkflowsResponse is one page of GET /workflows.
type ListWorkflowsResponse struct {
	Workflows   []*models.Workflow `json:"workflows"`
	TotalCount  int64              `json:"total_count"`
	HasNextPage bool               `json:"has_next_page"`
	Pagination  Pagination         `json:"pagination"`
	Sorting     Sorting            `json:"sorting"`
}

type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type Sorting struct {
	SortBy    string `json:"sort_by"`
	SortOrder string `json:"sort_order"`
}

func newListWorkflowsResponse(result *persistence.WorkflowListResult, opts persistence.ListWorkflowsOptions) ListWorkflowsResponse {
	workflows := result.Workflows
	if workflows == nil {
		workflows = []*models.Workflow{}
	}

	return ListWorkflowsResponse{
		Workflows:   workflows,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
		Pagination:  Pagination{Limit: opts.Limit, Offset: opts.Offset},
		Sorting:     Sorting{SortBy: opts.SortBy, SortOrder: opts.SortOrder},
	}
}

// RunHistoryResponse lists a workflow's runs, newest first.
type RunHistoryResponse struct {
	WorkflowID string        `json:"workflow_id"`
	Runs       []*models.Run `json:"runs"`
}

// WebhookAccepted is returned when a webhook delivery was handed to the engine.
// RunID is derived from the workflow trigger and the event id, so a client
// retrying with the same X-Event-ID gets the same run back.
type WebhookAccepted struct {
	RunID             string `json:"run_id"`
	EventID           string `json:"event_id"`
	WorkflowTriggerID string `json:"workflow_trigger_id"`
}
