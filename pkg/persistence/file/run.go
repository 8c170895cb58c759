package file

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

const runsDir = "runs"

// RunRepository keeps each run, steps included, in its own JSON document.
// All writes go through mu so status checks and step appends see the latest document.
type RunRepository struct {
	root string
	mu   sync.RWMutex
}

// NewRunRepository creates a new run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

func (rr *RunRepository) load(op, runID string) (*models.Run, string, error) {
	filePath, err := documentPath(rr.root, runsDir, runID)
	if err != nil {
		return nil, "", persistence.NewRunError(op, runID, err)
	}

	var run models.Run

	err = readDocument(filePath, &run)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, filePath, persistence.NewRunError(op, runID, persistence.ErrRunNotFound)
		}

		return nil, filePath, persistence.NewRunError(op, runID, err)
	}

	return &run, filePath, nil
}

// CreateRun stores a new run.
func (rr *RunRepository) CreateRun(_ context.Context, run *models.Run) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	_, filePath, err := rr.load("CreateRun", run.ID)
	if err == nil {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
	}

	if !persistence.IsRunNotFound(err) {
		return err
	}

	if run.Steps == nil {
		run.Steps = []models.Step{}
	}

	err = writeDocument(filePath, run)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	return nil
}

// GetRun reads a run with its steps.
func (rr *RunRepository) GetRun(_ context.Context, runID string) (*models.Run, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	run, _, err := rr.load("GetRun", runID)

	return run, err
}

// AppendStep adds step to the run unless a step with the same node and attempt exists.
func (rr *RunRepository) AppendStep(_ context.Context, runID string, step models.Step) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	run, filePath, err := rr.load("AppendStep", runID)
	if err != nil {
		return err
	}

	if run.HasStep(step.NodeID, step.Attempt) {
		return nil
	}

	step.Sequence = len(run.Steps) + 1
	run.Steps = append(run.Steps, step)

	err = writeDocument(filePath, run)
	if err != nil {
		return persistence.NewStepError("AppendStep", runID, step.NodeID, err)
	}

	return nil
}

// UpdateRunStatus moves the run along the state machine.
func (rr *RunRepository) UpdateRunStatus(_ context.Context, runID string, update models.RunUpdate) (*models.Run, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	run, filePath, err := rr.load("UpdateRunStatus", runID)
	if err != nil {
		return nil, err
	}

	if !run.Status.CanTransitionTo(update.Status) {
		return nil, persistence.TransitionError(runID, run.Status, update.Status)
	}

	update.Apply(run)

	err = writeDocument(filePath, run)
	if err != nil {
		return nil, persistence.NewRunError("UpdateRunStatus", runID, err)
	}

	return run, nil
}

// all loads every run matching keep.
func (rr *RunRepository) all(keep func(*models.Run) bool) ([]*models.Run, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	ids, err := listDocuments(rr.root, runsDir)
	if err != nil {
		return nil, err
	}

	runs := make([]*models.Run, 0)

	for _, id := range ids {
		run, _, err := rr.load("ListRuns", id)
		if err != nil {
			if persistence.IsRunNotFound(err) {
				continue
			}

			return nil, err
		}

		if keep(run) {
			runs = append(runs, run)
		}
	}

	return runs, nil
}

// ListRuns returns a workflow's runs ordered by start time, newest first.
func (rr *RunRepository) ListRuns(_ context.Context, workflowID string, limit int) ([]*models.Run, error) {
	runs, err := rr.all(func(run *models.Run) bool { return run.WorkflowID == workflowID })
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}

		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	return runs[:min(len(runs), persistence.RunLimit(limit))], nil
}

// ComputeStats derives the workflow's stats from all of its runs.
func (rr *RunRepository) ComputeStats(_ context.Context, workflowID string) (models.Stats, error) {
	runs, err := rr.all(func(run *models.Run) bool { return run.WorkflowID == workflowID })
	if err != nil {
		return models.Stats{}, err
	}

	return models.ComputeStats(workflowID, runs), nil
}

// DueRuns returns waiting runs ready to resume at now.
func (rr *RunRepository) DueRuns(_ context.Context, now time.Time, limit int) ([]*models.Run, error) {
	runs, err := rr.all(func(run *models.Run) bool {
		return run.Status == models.RunStatusWaiting && run.ResumeAt != nil && !run.ResumeAt.After(now)
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].ResumeAt.Equal(*runs[j].ResumeAt) {
			return runs[i].ID < runs[j].ID
		}

		return runs[i].ResumeAt.Before(*runs[j].ResumeAt)
	})

	if limit <= 0 {
		limit = persistence.MaxListLimit
	}

	return runs[:min(len(runs), limit)], nil
}

// CountInFlight counts the workflow's runs that have not reached a terminal state.
func (rr *RunRepository) CountInFlight(_ context.Context, workflowID string) (int, error) {
	runs, err := rr.all(func(run *models.Run) bool {
		return run.WorkflowID == workflowID && run.Status.IsInFlight()
	})
	if err != nil {
		return 0, err
	}

	return len(runs), nil
}
