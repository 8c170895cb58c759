// Package workflow runs workflows: it starts runs from trigger events, walks
// their node plan, suspends and resumes them at delays and keeps trigger
// subscriptions for active workflows.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/template"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Actions resolves action connectors by id.
type Actions interface {
	Action(id string) (protocol.ActionConnector, error)
}

// runIDNamespace seeds the deterministic ids of event-derived runs.
var runIDNamespace = uuid.MustParse("5b0f6a4e-3c2d-4f7e-9a51-8d6c2e9b1f30")

// RunID returns the id a run gets for an event. Events with an id always map
// to the same run, so redeliveries collapse into one run.
func RunID(workflowTriggerID, eventID string) string {
	if eventID == "" {
		return uuid.NewString()
	}

	return uuid.NewSHA1(runIDNamespace, []byte(workflowTriggerID+"\x00"+eventID)).String()
}

type ExecutorConfig struct {
	Retry     RetryPolicy
	Clock     clockwork.Clock
	Publisher eventbus.EventPublisher
	Tracer    trace.Tracer
}

type Executor struct {
	logger    *slog.Logger
	workflows persistence.WorkflowRepository
	runs      persistence.RunRepository
	actions   Actions
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
	clock     clockwork.Clock
	retry     RetryPolicy
}

func NewExecutor(
	logger *slog.Logger,
	workflows persistence.WorkflowRepository,
	runs persistence.RunRepository,
	actions Actions,
	config ExecutorConfig,
) *Executor {
	executor := &Executor{
		logger:    logger.With("module", "workflow_executor"),
		workflows: workflows,
		runs:      runs,
		actions:   actions,
		publisher: config.Publisher,
		tracer:    config.Tracer,
		clock:     config.Clock,
		retry:     config.Retry.normalize(),
	}

	if executor.publisher == nil {
		executor.publisher = eventbus.Discard
	}

	if executor.tracer == nil {
		executor.tracer = otel.Tracer("github.com/dukex/autoflow/pkg/workflow")
	}

	if executor.clock == nil {
		executor.clock = clockwork.NewRealClock()
	}

	return executor
}

// Clock is the time source used for steps, delays and retries.
func (e *Executor) Clock() clockwork.Clock {
	return e.clock
}

// Begin records a new run for event and moves it to running. When the event
// was already turned into a run, the existing run is returned together with
// persistence.ErrRunAlreadyExists.
func (e *Executor) Begin(ctx context.Context, workflow *models.Workflow, event models.TriggerEvent) (*models.Run, error) {
	trigger := workflow.TriggerNode()
	if trigger == nil {
		return nil, fmt.Errorf("workflow %s has no trigger node", workflow.ID)
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	run := &models.Run{
		ID:            RunID(event.WorkflowTriggerID, event.ID),
		WorkflowID:    workflow.ID,
		TriggerNodeID: trigger.ID,
		EventID:       event.ID,
		Status:        models.RunStatusPending,
		Trigger:       payload,
		CurrentNodeID: trigger.ID,
		StartedAt:     e.clock.Now().UTC(),
		Steps:         []models.Step{},
	}

	logger := e.logger.With("workflow_id", workflow.ID, "run_id", run.ID, "event_id", event.ID)

	err := e.retryStore(ctx, func() error { return e.runs.CreateRun(ctx, run) })
	if errors.Is(err, persistence.ErrRunAlreadyExists) {
		existing, getErr := e.runs.GetRun(ctx, run.ID)
		if getErr != nil {
			return nil, getErr
		}

		logger.InfoContext(ctx, "Duplicate trigger event, returning existing run", "status", existing.Status)

		return existing, err
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	started, err := e.updateStatus(ctx, run.ID, models.RunUpdate{Status: models.RunStatusRunning, CurrentNodeID: trigger.ID})
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Run started", "trigger_node_id", trigger.ID)

	e.publish(ctx, workflow.ID, events.RunStarted{
		BaseEvent:     events.NewBaseEvent(events.RunStartedEvent, workflow.ID),
		RunID:         run.ID,
		TriggerNodeID: trigger.ID,
		EventID:       event.ID,
	})

	return started, nil
}

// Execute walks a running run from its current node until it finishes or
// suspends at a delay.
func (e *Executor) Execute(ctx context.Context, run *models.Run) (*models.Run, error) {
	if run.Status != models.RunStatusRunning {
		return run, fmt.Errorf("%w: run %s is %s", ErrRunNotRunning, run.ID, run.Status)
	}

	g, err := e.loadGraph(ctx, run)
	if err != nil && ctx.Err() != nil {
		return run, interrupted(ctx, run)
	}

	if err != nil {
		return e.fail(ctx, run, nil, run.CurrentNodeID, 0, err)
	}

	start := 0
	if run.CurrentNodeID != g.Root().ID {
		index := g.IndexOf(run.CurrentNodeID)
		if index < 0 {
			return e.fail(ctx, run, nil, run.CurrentNodeID, 0, ErrNodeNotInWorkflow)
		}

		start = index + 1
	}

	return e.walk(ctx, g, run, start)
}

// Resume continues a waiting run whose delay has elapsed. Runs that are not
// due, or that another caller already claimed, are returned unchanged. When
// the store fails before the delay step is recorded the run is left waiting
// and the error is returned, so the next scheduler tick tries again.
func (e *Executor) Resume(ctx context.Context, runID string) (*models.Run, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()

	if run.Status != models.RunStatusWaiting || run.ResumeAt == nil || run.ResumeAt.After(now) {
		return run, nil
	}

	delayID := run.CurrentNodeID
	suspendedAt := now

	if run.SuspendedAt != nil {
		suspendedAt = *run.SuspendedAt
	}

	g, definitionErr := e.loadGraph(ctx, run)
	if definitionErr != nil && !isDefinitionError(definitionErr) {
		return run, fmt.Errorf("failed to load workflow %s for run %s: %w", run.WorkflowID, run.ID, definitionErr)
	}

	if definitionErr == nil && (g.Node(delayID) == nil || g.IndexOf(delayID) < 0) {
		definitionErr = ErrNodeNotInWorkflow
	}

	claimed, err := e.runs.UpdateRunStatus(ctx, run.ID, models.RunUpdate{
		Status:        models.RunStatusRunning,
		CurrentNodeID: delayID,
	})
	if persistence.IsInvalidTransition(err) {
		e.logger.DebugContext(ctx, "Run already claimed by another resumer", "run_id", run.ID)

		return e.runs.GetRun(ctx, run.ID)
	}

	if err != nil {
		return run, err
	}

	if definitionErr != nil {
		return e.fail(ctx, claimed, nil, delayID, 0, definitionErr)
	}

	delay := g.Node(delayID)

	err = e.appendStep(ctx, claimed, models.Step{
		NodeID:    delayID,
		NodeType:  delay.Type,
		Attempt:   1,
		Outcome:   models.StepOutcomePassed,
		StartedAt: suspendedAt,
		EndedAt:   &now,
	})
	if err != nil {
		return e.release(ctx, run, err)
	}

	e.logger.InfoContext(ctx, "Run resumed", "run_id", run.ID, "workflow_id", run.WorkflowID, "node_id", delayID)

	e.publish(ctx, run.WorkflowID, events.RunResumed{
		BaseEvent: events.NewBaseEvent(events.RunResumedEvent, run.WorkflowID),
		RunID:     run.ID,
		NodeID:    delayID,
		WaitedMs:  now.Sub(suspendedAt).Milliseconds(),
	})

	return e.walk(ctx, g, claimed, g.IndexOf(delayID)+1)
}

// release hands a claimed run back to the waiting state it was claimed from.
func (e *Executor) release(ctx context.Context, waiting *models.Run, cause error) (*models.Run, error) {
	released, err := e.updateStatus(context.WithoutCancel(ctx), waiting.ID, models.RunUpdate{
		Status:        models.RunStatusWaiting,
		CurrentNodeID: waiting.CurrentNodeID,
		ResumeAt:      waiting.ResumeAt,
		SuspendedAt:   waiting.SuspendedAt,
	})
	if err != nil {
		return waiting, errors.Join(cause, err)
	}

	e.logger.WarnContext(ctx, "Run released back to waiting", "run_id", waiting.ID, "error", cause)

	return released, cause
}

func (e *Executor) walk(ctx context.Context, g *graph.Graph, run *models.Run, start int) (*models.Run, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.run",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.WorkflowIDKey, run.WorkflowID),
		attribute.String(otelhelper.WorkflowNameKey, g.Workflow().Name),
	)
	defer span.End()

	logger := e.logger.With("workflow_id", run.WorkflowID, "run_id", run.ID)
	executionCtx := models.NewExecutionContext(run)
	plan := g.Plan()

	for index := start; index < len(plan); {
		entry := plan[index]
		node := entry.Node
		run.CurrentNodeID = node.ID

		switch node.Type {
		case models.NodeTypeCondition:
			passed, err := condition.Check(node.Condition.Predicate, executionCtx)
			if err != nil {
				logger.WarnContext(ctx, "Condition could not be evaluated, treating as false", "node_id", node.ID, "error", err)
			}

			if passed {
				err = e.recordOutcome(ctx, run, node, models.StepOutcomePassed)
				if err != nil {
					return run, err
				}

				index++

				continue
			}

			logger.InfoContext(ctx, "Condition not met, skipping subtree", "node_id", node.ID)

			err = e.skip(ctx, run, plan[entry.Index:entry.End])
			if err != nil {
				return run, err
			}

			index = entry.End

		case models.NodeTypeAction:
			output, attempt, err := e.runAction(ctx, run, node, executionCtx)
			if err != nil && ctx.Err() != nil {
				logger.WarnContext(ctx, "Run interrupted, leaving it running", "node_id", node.ID, "attempt", attempt)

				return run, interrupted(ctx, run)
			}

			if err != nil {
				span.SetAttributes(attribute.String(otelhelper.NodeIDKey, node.ID))

				return e.fail(ctx, run, g, node.ID, attempt, err)
			}

			if len(output) > 0 {
				executionCtx.Steps[node.ID] = output
			}

			index++

		case models.NodeTypeDelay:
			now := e.clock.Now().UTC()
			resumeAt := node.Delay.ResumeAt(now)

			if !resumeAt.After(now) {
				err := e.recordOutcome(ctx, run, node, models.StepOutcomePassed)
				if err != nil {
					return run, err
				}

				index++

				continue
			}

			return e.suspend(ctx, run, node, now, resumeAt)

		default:
			index++
		}
	}

	return e.succeed(ctx, run)
}

func (e *Executor) runAction(
	ctx context.Context,
	run *models.Run,
	node *models.WorkflowNode,
	executionCtx *models.ExecutionContext,
) (map[string]any, int, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.action",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
		attribute.String(otelhelper.ConnectorIDKey, node.Action.TargetID),
	)
	defer span.End()

	logger := e.logger.With("workflow_id", run.WorkflowID, "run_id", run.ID, "node_id", node.ID, "connector_id", node.Action.TargetID)
	intervals := e.retry.BackOff(e.clock)

	for attempt := 1; ; attempt++ {
		span.SetAttributes(attribute.Int(otelhelper.AttemptKey, attempt))

		startedAt := e.clock.Now().UTC()
		output, err := e.executeAction(ctx, node, attempt, executionCtx)
		endedAt := e.clock.Now().UTC()

		if err != nil && ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}

		step := models.Step{
			NodeID:    node.ID,
			NodeType:  node.Type,
			Attempt:   attempt,
			StartedAt: startedAt,
			EndedAt:   &endedAt,
		}

		if err == nil {
			step.Outcome = models.StepOutcomeSucceeded
			if len(output) > 0 {
				step.Output = output
			}

			appendErr := e.appendStep(ctx, run, step)
			if appendErr != nil {
				return nil, attempt, appendErr
			}

			logger.InfoContext(ctx, "Action succeeded", "attempt", attempt)

			return output, attempt, nil
		}

		step.Outcome = models.StepOutcomeFailed
		step.Error = err.Error()

		appendErr := e.appendStep(ctx, run, step)
		if appendErr != nil {
			return nil, attempt, appendErr
		}

		if !protocol.IsTransient(err) {
			logger.ErrorContext(ctx, "Action failed permanently", "attempt", attempt, "error", err)
			otelhelper.SetError(span, err)

			return nil, attempt, err
		}

		wait := intervals.NextBackOff()
		if attempt >= e.retry.MaxAttempts || wait == backoff.Stop {
			logger.ErrorContext(ctx, "Action retries exhausted", "attempts", attempt, "error", err)
			otelhelper.SetError(span, err)

			return nil, attempt, fmt.Errorf("action %s failed after %d attempts: %w", node.ID, attempt, err)
		}

		logger.WarnContext(ctx, "Action failed, retrying", "attempt", attempt, "retry_in", wait, "error", err)

		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-e.clock.After(wait):
		}
	}
}

func (e *Executor) executeAction(
	ctx context.Context,
	node *models.WorkflowNode,
	attempt int,
	executionCtx *models.ExecutionContext,
) (map[string]any, error) {
	connector, err := e.actions.Action(node.Action.TargetID)
	if err != nil {
		return nil, protocol.Permanent(err)
	}

	parameters, err := template.RenderParameters(node.Action.Parameters, executionCtx)
	if err != nil {
		return nil, protocol.Permanent(fmt.Errorf("failed to render parameters: %w", err))
	}

	result, err := connector.Execute(ctx, protocol.ActionRequest{
		NodeID:     node.ID,
		Attempt:    attempt,
		Parameters: parameters,
	}, executionCtx)
	if err != nil {
		return nil, err
	}

	if !result.OK {
		return nil, protocol.Permanent(ErrActionNotOK)
	}

	return result.Output, nil
}

func (e *Executor) suspend(ctx context.Context, run *models.Run, node *models.WorkflowNode, now, resumeAt time.Time) (*models.Run, error) {
	waiting, err := e.updateStatus(ctx, run.ID, models.RunUpdate{
		Status:        models.RunStatusWaiting,
		CurrentNodeID: node.ID,
		ResumeAt:      &resumeAt,
		SuspendedAt:   &now,
	})
	if err != nil {
		return run, err
	}

	e.logger.InfoContext(ctx, "Run waiting", "run_id", run.ID, "workflow_id", run.WorkflowID, "node_id", node.ID, "resume_at", resumeAt)

	e.publish(ctx, run.WorkflowID, events.RunWaiting{
		BaseEvent: events.NewBaseEvent(events.RunWaitingEvent, run.WorkflowID),
		RunID:     run.ID,
		NodeID:    node.ID,
		ResumeAt:  resumeAt,
	})

	return waiting, nil
}

func (e *Executor) succeed(ctx context.Context, run *models.Run) (*models.Run, error) {
	endedAt := e.clock.Now().UTC()

	succeeded, err := e.updateStatus(ctx, run.ID, models.RunUpdate{
		Status:        models.RunStatusSucceeded,
		CurrentNodeID: run.CurrentNodeID,
		EndedAt:       &endedAt,
	})
	if err != nil {
		return run, err
	}

	e.logger.InfoContext(ctx, "Run succeeded", "run_id", run.ID, "workflow_id", run.WorkflowID, "steps", len(succeeded.Steps))

	e.publish(ctx, run.WorkflowID, events.RunSucceeded{
		BaseEvent:  events.NewBaseEvent(events.RunSucceededEvent, run.WorkflowID),
		RunID:      run.ID,
		DurationMs: succeeded.Duration().Milliseconds(),
		StepCount:  len(succeeded.Steps),
	})

	return succeeded, nil
}

// fail marks every plan node after nodeID as skipped and moves the run to
// failed. g is nil when the workflow or the node could not be found, in which
// case nothing is skipped.
func (e *Executor) fail(ctx context.Context, run *models.Run, g *graph.Graph, nodeID string, attempt int, cause error) (*models.Run, error) {
	if g != nil {
		remaining := g.Plan()[g.IndexOf(nodeID)+1:]

		err := e.skip(ctx, run, remaining)
		if err != nil {
			return run, err
		}
	}

	endedAt := e.clock.Now().UTC()

	failed, err := e.updateStatus(ctx, run.ID, models.RunUpdate{
		Status:        models.RunStatusFailed,
		CurrentNodeID: nodeID,
		EndedAt:       &endedAt,
		Error:         cause.Error(),
	})
	if err != nil {
		return run, err
	}

	e.logger.ErrorContext(ctx, "Run failed", "run_id", run.ID, "workflow_id", run.WorkflowID, "node_id", nodeID, "attempts", attempt, "error", cause)

	e.publish(ctx, run.WorkflowID, events.RunFailed{
		BaseEvent:  events.NewBaseEvent(events.RunFailedEvent, run.WorkflowID),
		RunID:      run.ID,
		NodeID:     nodeID,
		Error:      cause.Error(),
		DurationMs: failed.Duration().Milliseconds(),
	})

	return failed, nil
}

func (e *Executor) skip(ctx context.Context, run *models.Run, entries []graph.PlanEntry) error {
	for _, entry := range entries {
		err := e.recordOutcome(ctx, run, entry.Node, models.StepOutcomeSkipped)
		if err != nil {
			return err
		}
	}

	return nil
}

func (e *Executor) recordOutcome(ctx context.Context, run *models.Run, node *models.WorkflowNode, outcome models.StepOutcome) error {
	now := e.clock.Now().UTC()

	return e.appendStep(ctx, run, models.Step{
		NodeID:    node.ID,
		NodeType:  node.Type,
		Attempt:   1,
		Outcome:   outcome,
		StartedAt: now,
		EndedAt:   &now,
	})
}

// appendStep writes a step and mirrors it on the in-memory run.
func (e *Executor) appendStep(ctx context.Context, run *models.Run, step models.Step) error {
	if run.HasStep(step.NodeID, step.Attempt) {
		return nil
	}

	err := e.retryStore(ctx, func() error { return e.runs.AppendStep(ctx, run.ID, step) })
	if err != nil {
		return fmt.Errorf("failed to record step %s for run %s: %w", step.NodeID, run.ID, err)
	}

	step.Sequence = len(run.Steps) + 1
	run.Steps = append(run.Steps, step)

	return nil
}

func (e *Executor) updateStatus(ctx context.Context, runID string, update models.RunUpdate) (*models.Run, error) {
	var updated *models.Run

	err := e.retryStore(ctx, func() error {
		var err error

		updated, err = e.runs.UpdateRunStatus(ctx, runID, update)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to move run %s to %s: %w", runID, update.Status, err)
	}

	return updated, nil
}

// retryStore retries store writes that failed for reasons other than the
// write itself being invalid. Step writes are idempotent, so a retry after a
// write that did land is harmless.
func (e *Executor) retryStore(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}

		if errors.Is(err, persistence.ErrInvalidTransition) ||
			errors.Is(err, persistence.ErrRunNotFound) ||
			errors.Is(err, persistence.ErrRunAlreadyExists) ||
			errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}

		return err
	}, storeBackOff(ctx))
}

// interrupted is returned when ctx ends mid-run. The run keeps its stored
// status and no step is recorded for the interrupted node.
func interrupted(ctx context.Context, run *models.Run) error {
	return fmt.Errorf("%w: run %s at node %s: %w", ErrRunInterrupted, run.ID, run.CurrentNodeID, context.Cause(ctx))
}

// isDefinitionError reports whether loading a workflow failed because of the
// workflow itself rather than the store.
func isDefinitionError(err error) bool {
	return persistence.IsWorkflowNotFound(err) || graph.IsGraphError(err)
}

func (e *Executor) loadGraph(ctx context.Context, run *models.Run) (*graph.Graph, error) {
	workflow, err := e.workflows.GetByID(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}

	return graph.New(workflow)
}

func (e *Executor) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	err := e.publisher.Publish(ctx, workflowID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "workflow_id", workflowID, "error", err)
	}
}
