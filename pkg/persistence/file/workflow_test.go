package file

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:          id,
		Name:        "Lead follow-up " + id,
		Description: "Create a contact for positive leads",
		Status:      models.WorkflowStatusDraft,
		Nodes: []*models.WorkflowNode{
			{
				ID:       "t",
				Type:     models.NodeTypeTrigger,
				Children: []string{"create_contact"},
				Trigger:  &models.TriggerConfig{SourceID: "webhook"},
			},
			{
				ID:     "create_contact",
				Type:   models.NodeTypeAction,
				Action: &models.ActionConfig{TargetID: "http", Parameters: map[string]any{"url": "https://crm.example.com/contacts"}},
			},
		},
	}
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	testDir := t.TempDir()
	repo := NewPersistence(testDir).WorkflowRepository()

	workflow := testWorkflow("wf-1")

	err := repo.Save(t.Context(), workflow)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(testDir, "workflows", "wf-1.json"))
	assert.False(t, workflow.CreatedAt.IsZero())
	assert.False(t, workflow.UpdatedAt.IsZero())

	info, err := os.Stat(filepath.Join(testDir, "workflows", "wf-1.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := repo.GetByID(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, loaded.Name)
	require.Len(t, loaded.Nodes, 2)
	assert.Equal(t, []string{"create_contact"}, loaded.Nodes[0].Children)
	assert.Equal(t, "https://crm.example.com/contacts", loaded.Nodes[1].Action.Parameters["url"])
}

func TestWorkflowRepository_SaveKeepsCreatedAt(t *testing.T) {
	repo := NewPersistence(t.TempDir()).WorkflowRepository()

	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	workflow := testWorkflow("wf-1")
	workflow.CreatedAt = created

	require.NoError(t, repo.Save(t.Context(), workflow))
	assert.True(t, workflow.UpdatedAt.After(created))

	// A replacement document without timestamps keeps the original creation time.
	replacement := testWorkflow("wf-1")
	require.NoError(t, repo.Save(t.Context(), replacement))
	assert.True(t, replacement.CreatedAt.Equal(created))
}

func TestWorkflowRepository_NotFound(t *testing.T) {
	repo := NewPersistence(t.TempDir()).WorkflowRepository()

	_, err := repo.GetByID(t.Context(), "missing")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	err = repo.Delete(t.Context(), "missing")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	_, err = repo.GetByID(t.Context(), "../../etc/passwd")
	require.Error(t, err)
	assert.NotErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestWorkflowRepository_Delete(t *testing.T) {
	repo := NewPersistence(t.TempDir()).WorkflowRepository()

	require.NoError(t, repo.Save(t.Context(), testWorkflow("wf-1")))
	require.NoError(t, repo.Delete(t.Context(), "wf-1"))

	_, err := repo.GetByID(t.Context(), "wf-1")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflowRepository_ListWorkflows(t *testing.T) {
	repo := NewPersistence(t.TempDir()).WorkflowRepository()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for i := range 5 {
		workflow := testWorkflow(fmt.Sprintf("wf-%d", i))
		workflow.CreatedAt = base.Add(time.Duration(i) * time.Hour)

		if i%2 == 0 {
			workflow.Status = models.WorkflowStatusActive
		}

		require.NoError(t, repo.Save(t.Context(), workflow))
	}

	result, err := repo.ListWorkflows(t.Context(), persistence.ListWorkflowsOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.TotalCount)
	require.Len(t, result.Workflows, 5)
	assert.Equal(t, "wf-4", result.Workflows[0].ID)
	assert.False(t, result.HasNextPage)

	result, err = repo.ListWorkflows(t.Context(), persistence.ListWorkflowsOptions{Limit: 2, Offset: 1, SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, result.Workflows, 2)
	assert.Equal(t, "wf-1", result.Workflows[0].ID)
	assert.Equal(t, "wf-2", result.Workflows[1].ID)
	assert.True(t, result.HasNextPage)

	active := models.WorkflowStatusActive

	result, err = repo.ListWorkflows(t.Context(), persistence.ListWorkflowsOptions{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalCount)

	result, err = repo.ListWorkflows(t.Context(), persistence.ListWorkflowsOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Workflows)

	_, err = repo.ListWorkflows(t.Context(), persistence.ListWorkflowsOptions{SortBy: "owner"})
	assert.ErrorIs(t, err, persistence.ErrInvalidSortField)
}

func TestWorkflowRepository_ListEmpty(t *testing.T) {
	repo := NewPersistence(t.TempDir()).WorkflowRepository()

	result, err := repo.ListWorkflows(t.Context(), persistence.ListWorkflowsOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Workflows)
	assert.Zero(t, result.TotalCount)
}
