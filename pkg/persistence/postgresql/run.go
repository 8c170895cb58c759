package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/lib/pq"
)

const runColumns = `
			id
		  , workflow_id
		  , trigger_node_id
		  , COALESCE(event_id, '')
		  , status
		  , trigger_data
		  , current_node_id
		  , started_at
		  , ended_at
		  , resume_at
		  , suspended_at
		  , error_message`

// RunRepository stores runs in the runs table and their steps in steps.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// CreateRun inserts a run and any steps it already carries.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.Run) error {
	triggerJSON, err := json.Marshal(run.Trigger)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, fmt.Errorf("failed to marshal trigger: %w", err))
	}

	query := `
		INSERT INTO runs (id, workflow_id, trigger_node_id, event_id, status, trigger_data,
			current_node_id, started_at, ended_at, resume_at, suspended_at, error_message)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.WorkflowID,
		run.TriggerNodeID,
		run.EventID,
		string(run.Status),
		triggerJSON,
		run.CurrentNodeID,
		run.StartedAt,
		run.EndedAt,
		run.ResumeAt,
		run.SuspendedAt,
		run.Error,
	)
	if err != nil {
		if hasCode(err, uniqueViolation) {
			return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
		}

		return persistence.NewRunError("CreateRun", run.ID, fmt.Errorf("failed to insert run: %w", err))
	}

	for _, step := range run.Steps {
		err = r.AppendStep(ctx, run.ID, step)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetRun returns a run with its steps.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = $1"

	run, err := scanRun(r.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetRun", runID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetRun", runID, fmt.Errorf("failed to scan run: %w", err))
	}

	err = r.loadSteps(ctx, []*models.Run{run})
	if err != nil {
		return nil, persistence.NewRunError("GetRun", runID, err)
	}

	return run, nil
}

// AppendStep inserts the step at the end of the run's history. The
// (run_id, node_id, attempt) primary key turns a replayed write into a no-op.
func (r *RunRepository) AppendStep(ctx context.Context, runID string, step models.Step) error {
	var outputJSON []byte

	if step.Output != nil {
		var err error

		outputJSON, err = json.Marshal(step.Output)
		if err != nil {
			return persistence.NewStepError("AppendStep", runID, step.NodeID, fmt.Errorf("failed to marshal output: %w", err))
		}
	}

	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewStepError("AppendStep", runID, step.NodeID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		_ = transaction.Rollback()
	}()

	// Lock the run row so concurrent appends get distinct sequence numbers.
	var locked string

	err = transaction.QueryRowContext(ctx, "SELECT id FROM runs WHERE id = $1 FOR UPDATE", runID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewStepError("AppendStep", runID, step.NodeID, persistence.ErrRunNotFound)
		}

		return persistence.NewStepError("AppendStep", runID, step.NodeID, fmt.Errorf("failed to lock run: %w", err))
	}

	query := `
		INSERT INTO steps (run_id, sequence, node_id, node_type, attempt, outcome,
			started_at, ended_at, error_message, output)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM steps WHERE run_id = $1
		ON CONFLICT (run_id, node_id, attempt) DO NOTHING
	`

	_, err = transaction.ExecContext(ctx, query,
		runID,
		step.NodeID,
		string(step.NodeType),
		step.Attempt,
		string(step.Outcome),
		step.StartedAt,
		step.EndedAt,
		step.Error,
		outputJSON,
	)
	if err != nil {
		if hasCode(err, foreignKeyViolation) {
			return persistence.NewStepError("AppendStep", runID, step.NodeID, persistence.ErrRunNotFound)
		}

		return persistence.NewStepError("AppendStep", runID, step.NodeID, fmt.Errorf("failed to insert step: %w", err))
	}

	err = transaction.Commit()
	if err != nil {
		return persistence.NewStepError("AppendStep", runID, step.NodeID, fmt.Errorf("failed to commit step: %w", err))
	}

	return nil
}

// UpdateRunStatus applies update with a guarded UPDATE: the row only changes
// when its current status is one the state machine allows to move to update.Status.
func (r *RunRepository) UpdateRunStatus(ctx context.Context, runID string, update models.RunUpdate) (*models.Run, error) {
	sources := make([]string, 0)
	for _, status := range update.Status.AllowedSources() {
		sources = append(sources, string(status))
	}

	var resumeAt, suspendedAt *time.Time
	if update.Status == models.RunStatusWaiting {
		resumeAt, suspendedAt = update.ResumeAt, update.SuspendedAt
	}

	query := `
		UPDATE runs SET
			status = $2,
			current_node_id = COALESCE(NULLIF($3::text, ''), current_node_id),
			resume_at = $4,
			suspended_at = $5,
			ended_at = COALESCE($6::timestamptz, ended_at),
			error_message = COALESCE(NULLIF($7::text, ''), error_message)
		WHERE id = $1 AND status = ANY($8)
	`

	result, err := r.db.ExecContext(ctx, query,
		runID,
		string(update.Status),
		update.CurrentNodeID,
		resumeAt,
		suspendedAt,
		update.EndedAt,
		update.Error,
		pq.Array(sources),
	)
	if err != nil {
		return nil, persistence.NewRunError("UpdateRunStatus", runID, fmt.Errorf("failed to update run: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var current string

		err = r.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = $1", runID).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, persistence.NewRunError("UpdateRunStatus", runID, persistence.ErrRunNotFound)
			}

			return nil, persistence.NewRunError("UpdateRunStatus", runID, err)
		}

		return nil, persistence.TransitionError(runID, models.RunStatus(current), update.Status)
	}

	return r.GetRun(ctx, runID)
}

// ListRuns returns a workflow's most recent runs.
func (r *RunRepository) ListRuns(ctx context.Context, workflowID string, limit int) ([]*models.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE workflow_id = $1 ORDER BY started_at DESC, id ASC LIMIT $2"

	return r.queryRuns(ctx, query, workflowID, persistence.RunLimit(limit))
}

// DueRuns returns waiting runs whose resume time has come.
func (r *RunRepository) DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = persistence.MaxListLimit
	}

	query := "SELECT " + runColumns + " FROM runs WHERE status = 'waiting' AND resume_at <= $1 ORDER BY resume_at ASC, id ASC LIMIT $2"

	return r.queryRuns(ctx, query, now, limit)
}

// ComputeStats aggregates the workflow's runs in the database.
func (r *RunRepository) ComputeStats(ctx context.Context, workflowID string) (models.Stats, error) {
	query := `
		SELECT
			COUNT(*)
		  , COUNT(*) FILTER (WHERE status = 'succeeded')
		  , COUNT(*) FILTER (WHERE status = 'failed')
		  , MAX(started_at)
		  , COALESCE(SUM(EXTRACT(EPOCH FROM (ended_at - started_at)))
				FILTER (WHERE status IN ('succeeded', 'failed') AND ended_at IS NOT NULL), 0)
		FROM runs
		WHERE workflow_id = $1
	`

	var (
		stats     = models.Stats{WorkflowID: workflowID}
		lastRunAt sql.NullTime
		seconds   float64
	)

	err := r.db.QueryRowContext(ctx, query, workflowID).Scan(
		&stats.RunCount,
		&stats.Succeeded,
		&stats.Failed,
		&lastRunAt,
		&seconds,
	)
	if err != nil {
		return models.Stats{}, fmt.Errorf("failed to compute stats for workflow %s: %w", workflowID, err)
	}

	stats.InFlight = stats.RunCount - stats.Succeeded - stats.Failed

	if lastRunAt.Valid {
		stats.LastRunAt = &lastRunAt.Time
	}

	total := time.Duration(seconds * float64(time.Second)).Round(time.Microsecond)

	return stats.FromCounts(total), nil
}

// CountInFlight counts runs that are pending, running or waiting.
func (r *RunRepository) CountInFlight(ctx context.Context, workflowID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE workflow_id = $1 AND status IN ('pending', 'running', 'waiting')",
		workflowID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight runs for workflow %s: %w", workflowID, err)
	}

	return count, nil
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	err = r.loadSteps(ctx, runs)
	if err != nil {
		return nil, err
	}

	return runs, nil
}

// loadSteps fills the steps of runs with one query.
func (r *RunRepository) loadSteps(ctx context.Context, runs []*models.Run) error {
	if len(runs) == 0 {
		return nil
	}

	byID := make(map[string]*models.Run, len(runs))
	ids := make([]string, 0, len(runs))

	for _, run := range runs {
		run.Steps = []models.Step{}
		byID[run.ID] = run
		ids = append(ids, run.ID)
	}

	query := `
		SELECT run_id, sequence, node_id, node_type, attempt, outcome, started_at, ended_at, error_message, output
		FROM steps
		WHERE run_id = ANY($1)
		ORDER BY run_id, sequence
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	for rows.Next() {
		var (
			runID      string
			step       models.Step
			nodeType   string
			outcome    string
			outputJSON []byte
		)

		err := rows.Scan(
			&runID,
			&step.Sequence,
			&step.NodeID,
			&nodeType,
			&step.Attempt,
			&outcome,
			&step.StartedAt,
			&step.EndedAt,
			&step.Error,
			&outputJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}

		step.NodeType = models.NodeType(nodeType)
		step.Outcome = models.StepOutcome(outcome)

		if outputJSON != nil {
			err = json.Unmarshal(outputJSON, &step.Output)
			if err != nil {
				return fmt.Errorf("failed to unmarshal step output: %w", err)
			}
		}

		if run, ok := byID[runID]; ok {
			run.Steps = append(run.Steps, step)
		}
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("error iterating steps: %w", err)
	}

	return nil
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run         models.Run
		status      string
		triggerJSON []byte
	)

	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.TriggerNodeID,
		&run.EventID,
		&status,
		&triggerJSON,
		&run.CurrentNodeID,
		&run.StartedAt,
		&run.EndedAt,
		&run.ResumeAt,
		&run.SuspendedAt,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)

	err = json.Unmarshal(triggerJSON, &run.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}

	return &run, nil
}
