// Package persistence provides data storage abstraction layer for workflows and their execution history.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

// Persistence is a storage backend for workflow definitions and run history.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	RunRepository() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions.
type WorkflowRepository interface {
	ListWorkflows(ctx context.Context, opts ListWorkflowsOptions) (*WorkflowListResult, error)
	// GetByID returns ErrWorkflowNotFound when no workflow has the id.
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	// Save creates or replaces a workflow, maintaining CreatedAt and UpdatedAt.
	Save(ctx context.Context, workflow *models.Workflow) error
	// Delete removes a workflow. Deleting a missing workflow returns ErrWorkflowNotFound.
	Delete(ctx context.Context, id string) error
}

// RunRepository is the execution store: runs, their steps, and the aggregates derived from them.
type RunRepository interface {
	// CreateRun inserts a run. A second run with the same ID returns ErrRunAlreadyExists.
	CreateRun(ctx context.Context, run *models.Run) error
	// GetRun returns the run with its steps in append order.
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	// AppendStep records a step. Re-appending the same (node, attempt) is a no-op.
	AppendStep(ctx context.Context, runID string, step models.Step) error
	// UpdateRunStatus applies update only when the state machine allows the
	// transition from the stored status; otherwise ErrInvalidTransition.
	UpdateRunStatus(ctx context.Context, runID string, update models.RunUpdate) (*models.Run, error)
	// ListRuns returns the most recent runs of a workflow with their steps, newest first.
	ListRuns(ctx context.Context, workflowID string, limit int) ([]*models.Run, error)
	ComputeStats(ctx context.Context, workflowID string) (models.Stats, error)
	// DueRuns returns waiting runs whose resume time is at or before now, oldest first.
	DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error)
	CountInFlight(ctx context.Context, workflowID string) (int, error)
}

// ListWorkflowsOptions filters and paginates ListWorkflows.
type ListWorkflowsOptions struct {
	Status    *models.WorkflowStatus
	SortBy    string // created_at, updated_at or name
	SortOrder string // asc or desc
	Limit     int
	Offset    int
}

// WorkflowListResult is one page of workflows.
type WorkflowListResult struct {
	Workflows   []*models.Workflow `json:"workflows"`
	TotalCount  int64              `json:"total_count"`
	HasNextPage bool               `json:"has_next_page"`
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	DefaultRunLimit  = 50
)

var allowedSorts = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"name":       true,
}

// Normalize applies defaults and checks the sort parameters against an allowlist.
func (o ListWorkflowsOptions) Normalize() (ListWorkflowsOptions, error) {
	if o.Limit <= 0 || o.Limit > MaxListLimit {
		o.Limit = DefaultListLimit
	}

	if o.Offset < 0 {
		o.Offset = 0
	}

	if o.SortBy == "" {
		o.SortBy = "created_at"
	}

	if o.SortOrder == "" {
		o.SortOrder = "desc"
	}

	if !allowedSorts[o.SortBy] {
		return o, ErrInvalidSortField
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		return o, ErrInvalidSortOrder
	}

	return o, nil
}

// RunLimit clamps a ListRuns limit.
func RunLimit(limit int) int {
	if limit <= 0 {
		return DefaultRunLimit
	}

	if limit > MaxListLimit {
		return MaxListLimit
	}

	return limit
}
