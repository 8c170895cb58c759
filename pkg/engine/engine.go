// Package engine is the entry point to the workflow engine. It owns workflow
// lifecycle, accepts trigger events, dispatches runs and answers history queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrentRuns = 16
	DefaultShutdownTimeout   = 30 * time.Second
)

var ErrStopped = errors.New("engine is stopped")

type Config struct {
	// MaxConcurrentRuns bounds how many runs execute at once in this process.
	MaxConcurrentRuns int64
	ShutdownTimeout   time.Duration

	TickInterval      time.Duration
	TickBatchSize     int
	ResumeConcurrency int

	Retry  workflow.RetryPolicy
	Clock  clockwork.Clock
	Tracer trace.Tracer

	// Bus carries lifecycle events and trigger events published by other processes.
	Bus eventbus.EventBus
	// ForwardTriggers publishes subscribed trigger events to Bus instead of
	// running them in this process.
	ForwardTriggers bool
}

func (c Config) normalize() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return c
}

type Engine struct {
	logger    *slog.Logger
	config    Config
	store     persistence.Persistence
	workflows persistence.WorkflowRepository
	runs      persistence.RunRepository
	registry  *registry.Registry
	publisher eventbus.EventPublisher
	validate  *validator.Validate

	executor  *workflow.Executor
	scheduler *workflow.Scheduler
	manager   *workflow.Manager
	dispatch  *semaphore.Weighted

	// lifecycle serialises changes to workflow status.
	lifecycle sync.Mutex

	mu             sync.Mutex
	started        bool
	stopped        bool
	inflight       sync.WaitGroup
	runCtx         context.Context
	cancelRuns     context.CancelFunc
	stopBackground context.CancelFunc
	schedulerDone  chan struct{}
}

func New(logger *slog.Logger, store persistence.Persistence, reg *registry.Registry, config Config) *Engine {
	config = config.normalize()
	logger = logger.With("module", "engine")

	var publisher eventbus.EventPublisher = eventbus.Discard
	if config.Bus != nil {
		publisher = config.Bus
	}

	e := &Engine{
		logger:    logger,
		config:    config,
		store:     store,
		workflows: store.WorkflowRepository(),
		runs:      store.RunRepository(),
		registry:  reg,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		dispatch:  semaphore.NewWeighted(config.MaxConcurrentRuns),
	}

	e.runCtx, e.cancelRuns = context.WithCancel(context.Background())

	e.executor = workflow.NewExecutor(logger, e.workflows, e.runs, reg, workflow.ExecutorConfig{
		Retry:     config.Retry,
		Clock:     config.Clock,
		Publisher: publisher,
		Tracer:    config.Tracer,
	})

	e.scheduler = workflow.NewScheduler(logger, e.runs, drainingResumer{engine: e}, workflow.SchedulerConfig{
		Interval:    config.TickInterval,
		BatchSize:   config.TickBatchSize,
		Concurrency: config.ResumeConcurrency,
		Clock:       config.Clock,
	})

	e.manager = workflow.NewManager(logger, reg, e.onSubscribedEvent)

	return e
}

func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Health reports whether the store is reachable.
func (e *Engine) Health(ctx context.Context) error {
	return e.store.HealthCheck(ctx)
}

// RegisterWorkflow validates and stores a new workflow as a draft.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	const op = "register_workflow"

	if wf == nil {
		return nil, newError(op, "", fmt.Errorf("%w: workflow is nil", ErrInvalidWorkflow))
	}

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}

	err := e.check(wf)
	if err != nil {
		return nil, invalidWorkflow(op, wf.ID, err)
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	_, err = e.workflows.GetByID(ctx, wf.ID)
	if err == nil {
		return nil, newError(op, wf.ID, ErrWorkflowExists)
	}

	if !persistence.IsWorkflowNotFound(err) {
		return nil, newError(op, wf.ID, err)
	}

	now := e.config.Clock.Now().UTC()
	wf.Status = models.WorkflowStatusDraft
	wf.CreatedAt = now
	wf.UpdatedAt = now

	err = e.workflows.Save(ctx, wf)
	if err != nil {
		return nil, newError(op, wf.ID, err)
	}

	e.logger.InfoContext(ctx, "Workflow registered", "workflow_id", wf.ID, "workflow_name", wf.Name, "nodes", len(wf.Nodes))

	return wf, nil
}

// UpdateWorkflow replaces a workflow's definition. Active workflows and
// workflows with unfinished runs cannot be changed.
func (e *Engine) UpdateWorkflow(ctx context.Context, id string, wf *models.Workflow) (*models.Workflow, error) {
	const op = "update_workflow"

	if wf == nil {
		return nil, newError(op, id, fmt.Errorf("%w: workflow is nil", ErrInvalidWorkflow))
	}

	wf.ID = id

	err := e.check(wf)
	if err != nil {
		return nil, invalidWorkflow(op, id, err)
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	existing, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, newError(op, id, err)
	}

	if existing.Status == models.WorkflowStatusActive {
		return nil, newError(op, id, ErrWorkflowActive)
	}

	err = e.requireNoInFlight(ctx, op, id)
	if err != nil {
		return nil, err
	}

	wf.Status = existing.Status
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = e.config.Clock.Now().UTC()

	err = e.workflows.Save(ctx, wf)
	if err != nil {
		return nil, newError(op, id, err)
	}

	e.logger.InfoContext(ctx, "Workflow updated", "workflow_id", id)

	return wf, nil
}

// Activate subscribes the workflow's trigger; from then on its events start runs.
func (e *Engine) Activate(ctx context.Context, id string) (*models.Workflow, error) {
	const op = "activate_workflow"

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, newError(op, id, err)
	}

	if wf.Status == models.WorkflowStatusActive {
		return wf, nil
	}

	// Connectors may have changed since the workflow was stored.
	err = graph.Validate(wf, e.registry)
	if err != nil {
		return nil, invalidWorkflow(op, id, err)
	}

	err = e.manager.Subscribe(ctx, wf)
	if err != nil {
		return nil, newError(op, id, err)
	}

	wf.Status = models.WorkflowStatusActive
	wf.UpdatedAt = e.config.Clock.Now().UTC()

	err = e.workflows.Save(ctx, wf)
	if err != nil {
		_ = e.manager.Unsubscribe(ctx, id)

		return nil, newError(op, id, err)
	}

	e.logger.InfoContext(ctx, "Workflow activated", "workflow_id", id, "workflow_name", wf.Name)
	e.publish(ctx, id, events.WorkflowActivated{
		BaseEvent:    events.NewBaseEvent(events.WorkflowActivatedEvent, id),
		WorkflowName: wf.Name,
	})

	return wf, nil
}

// Pause stops new runs. Runs already started keep going to completion.
func (e *Engine) Pause(ctx context.Context, id string) (*models.Workflow, error) {
	const op = "pause_workflow"

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, newError(op, id, err)
	}

	switch wf.Status {
	case models.WorkflowStatusPaused:
		return wf, nil
	case models.WorkflowStatusDraft:
		return nil, newError(op, id, ErrWorkflowNotActive)
	}

	err = e.manager.Unsubscribe(ctx, id)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to close trigger subscription", "workflow_id", id, "error", err)
	}

	wf.Status = models.WorkflowStatusPaused
	wf.UpdatedAt = e.config.Clock.Now().UTC()

	err = e.workflows.Save(ctx, wf)
	if err != nil {
		return nil, newError(op, id, err)
	}

	e.logger.InfoContext(ctx, "Workflow paused", "workflow_id", id)
	e.publish(ctx, id, events.WorkflowPaused{
		BaseEvent:    events.NewBaseEvent(events.WorkflowPausedEvent, id),
		WorkflowName: wf.Name,
	})

	return wf, nil
}

// DeleteWorkflow removes a workflow that is not active and has no unfinished runs.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	const op = "delete_workflow"

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return newError(op, id, err)
	}

	if wf.Status == models.WorkflowStatusActive {
		return newError(op, id, ErrWorkflowActive)
	}

	err = e.requireNoInFlight(ctx, op, id)
	if err != nil {
		return err
	}

	err = e.workflows.Delete(ctx, id)
	if err != nil {
		return newError(op, id, err)
	}

	e.logger.InfoContext(ctx, "Workflow deleted", "workflow_id", id)

	return nil
}

// OnTriggerEvent starts a run for event and returns it while it executes in
// the background. A redelivered event returns the run it already started.
func (e *Engine) OnTriggerEvent(ctx context.Context, event models.TriggerEvent) (*models.Run, error) {
	const op = "trigger_event"

	if e.isStopped() {
		return nil, newError(op, "", ErrStopped)
	}

	workflowID, nodeID, ok := strings.Cut(event.WorkflowTriggerID, "/")
	if !ok || workflowID == "" || nodeID == "" {
		return nil, newError(op, "", fmt.Errorf("%w: malformed workflow trigger id %q", ErrInvalidEvent, event.WorkflowTriggerID))
	}

	wf, err := e.workflows.GetByID(ctx, workflowID)
	if persistence.IsWorkflowNotFound(err) {
		return nil, newError(op, workflowID, fmt.Errorf("%w: %s", ErrUnknownTrigger, event.WorkflowTriggerID))
	}

	if err != nil {
		return nil, newError(op, workflowID, err)
	}

	trigger := wf.TriggerNode()
	if trigger == nil || trigger.ID != nodeID {
		return nil, newError(op, workflowID, fmt.Errorf("%w: %s", ErrUnknownTrigger, event.WorkflowTriggerID))
	}

	if wf.Status != models.WorkflowStatusActive {
		return nil, newError(op, workflowID, ErrWorkflowNotActive)
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.config.Clock.Now().UTC()
	}

	err = e.dispatch.Acquire(ctx, 1)
	if err != nil {
		return nil, newError(op, workflowID, err)
	}

	run, err := e.executor.Begin(ctx, wf, event)
	if errors.Is(err, persistence.ErrRunAlreadyExists) {
		e.dispatch.Release(1)

		return run, nil
	}

	if err != nil {
		e.dispatch.Release(1)

		return nil, newError(op, workflowID, err)
	}

	err = e.execute(run)
	if err != nil {
		e.dispatch.Release(1)

		return run, newError(op, workflowID, err)
	}

	return run, nil
}

// execute runs a started run in the background. The caller holds one unit of
// the dispatch semaphore, which is released when the run stops executing.
func (e *Engine) execute(run *models.Run) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()

		return ErrStopped
	}

	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()
		defer e.dispatch.Release(1)

		_, err := e.executor.Execute(e.runCtx, run)
		if err != nil {
			e.logger.ErrorContext(e.runCtx, "Run execution stopped with error", "run_id", run.ID, "workflow_id", run.WorkflowID, "error", err)
		}
	}()

	return nil
}

// drainingResumer resumes runs outside the scheduler's context. A resumed run
// is tracked like a dispatched one: Stop waits for it and only cancels it when
// the shutdown deadline passes.
type drainingResumer struct {
	engine *Engine
}

func (r drainingResumer) Resume(ctx context.Context, runID string) (*models.Run, error) {
	e := r.engine

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.logger.DebugContext(ctx, "Engine stopping, leaving run waiting", "run_id", runID)

		return nil, nil
	}

	e.inflight.Add(1)
	e.mu.Unlock()

	defer e.inflight.Done()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stopAfter := context.AfterFunc(e.runCtx, cancel)
	defer stopAfter()

	return e.executor.Resume(runCtx, runID)
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.stopped
}

func (e *Engine) onSubscribedEvent(ctx context.Context, event models.TriggerEvent) error {
	if e.config.ForwardTriggers && e.config.Bus != nil {
		return e.forward(ctx, event)
	}

	_, err := e.OnTriggerEvent(ctx, event)
	if errors.Is(err, ErrWorkflowNotActive) || errors.Is(err, ErrUnknownTrigger) {
		e.logger.WarnContext(ctx, "Dropping trigger event", "workflow_trigger_id", event.WorkflowTriggerID, "reason", err)

		return nil
	}

	return err
}

func (e *Engine) forward(ctx context.Context, event models.TriggerEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	workflowID, _, _ := strings.Cut(event.WorkflowTriggerID, "/")

	return e.config.Bus.Publish(ctx, event.WorkflowTriggerID, events.TriggerReceived{
		BaseEvent:         events.NewBaseEvent(events.TriggerReceivedEvent, workflowID),
		WorkflowTriggerID: event.WorkflowTriggerID,
		EventID:           event.ID,
		Payload:           event.Payload,
		OccurredAt:        event.OccurredAt,
	})
}

// handleTriggerReceived runs trigger events published by other processes.
// Events that can never succeed are acknowledged; other failures are redelivered.
func (e *Engine) handleTriggerReceived(ctx context.Context, raw any) error {
	received, ok := raw.(*events.TriggerReceived)
	if !ok {
		return nil
	}

	err := received.Validate()
	if err != nil {
		e.logger.WarnContext(ctx, "Dropping invalid trigger event", "error", err)

		return nil
	}

	_, err = e.OnTriggerEvent(ctx, models.TriggerEvent{
		ID:                received.EventID,
		WorkflowTriggerID: received.WorkflowTriggerID,
		Payload:           received.Payload,
		OccurredAt:        received.OccurredAt,
	})
	if IsNotFoundError(err) || IsConflictError(err) || IsValidationError(err) {
		e.logger.WarnContext(ctx, "Dropping trigger event", "workflow_trigger_id", received.WorkflowTriggerID, "reason", err)

		return nil
	}

	return err
}

func (e *Engine) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, newError("get_workflow", id, err)
	}

	return wf, nil
}

func (e *Engine) ListWorkflows(ctx context.Context, opts persistence.ListWorkflowsOptions) (*persistence.WorkflowListResult, error) {
	result, err := e.workflows.ListWorkflows(ctx, opts)
	if err != nil {
		return nil, newError("list_workflows", "", err)
	}

	return result, nil
}

// GetStats derives run statistics for a workflow from its run history.
func (e *Engine) GetStats(ctx context.Context, id string) (models.Stats, error) {
	_, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return models.Stats{}, newError("get_stats", id, err)
	}

	stats, err := e.runs.ComputeStats(ctx, id)
	if err != nil {
		return models.Stats{}, newError("get_stats", id, err)
	}

	return stats, nil
}

// ListHistory returns the workflow's most recent runs, newest first.
func (e *Engine) ListHistory(ctx context.Context, id string, limit int) ([]*models.Run, error) {
	_, err := e.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, newError("list_history", id, err)
	}

	runs, err := e.runs.ListRuns(ctx, id, limit)
	if err != nil {
		return nil, newError("list_history", id, err)
	}

	return runs, nil
}

func (e *Engine) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, newError("get_run", "", err)
	}

	return run, nil
}

// ResumeDue resumes every waiting run whose delay has elapsed.
func (e *Engine) ResumeDue(ctx context.Context) error {
	return e.scheduler.Tick(ctx)
}

// Start subscribes the triggers of every active workflow, listens for trigger
// events on the bus and starts the delay scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}

	if e.started {
		return nil
	}

	backgroundCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	if e.config.Bus != nil {
		err := e.config.Bus.Handle(events.TriggerReceivedEvent, e.handleTriggerReceived)
		if err == nil {
			err = e.config.Bus.Subscribe(backgroundCtx)
		}

		if err != nil {
			stop()

			return fmt.Errorf("failed to subscribe to event bus: %w", err)
		}
	}

	active, err := e.activeWorkflows(ctx)
	if err != nil {
		stop()

		return fmt.Errorf("failed to load active workflows: %w", err)
	}

	err = e.manager.SubscribeAll(ctx, active)
	if err != nil {
		e.logger.ErrorContext(ctx, "Some workflows could not be subscribed", "error", err)
	}

	e.schedulerDone = make(chan struct{})

	go func() {
		defer close(e.schedulerDone)

		_ = e.scheduler.Run(backgroundCtx)
	}()

	e.stopBackground = stop
	e.started = true

	e.logger.InfoContext(ctx, "Engine started", "active_workflows", len(active), "max_concurrent_runs", e.config.MaxConcurrentRuns)

	return nil
}

// Run starts the engine and blocks until ctx is cancelled, then stops it.
func (e *Engine) Run(ctx context.Context) error {
	err := e.Start(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ShutdownTimeout)
	defer cancel()

	return e.Stop(stopCtx)
}

// Wait blocks until every dispatched run has suspended or finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Stop closes trigger subscriptions and the scheduler, then waits for
// executing runs, including runs the scheduler resumed. When ctx ends first,
// the remaining runs are cancelled and stay running in the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()

		return nil
	}

	e.stopped = true
	started := e.started
	e.mu.Unlock()

	var errs []error

	err := e.manager.Close(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	if started {
		e.stopBackground()
	}

	done := make(chan struct{})

	go func() {
		if started {
			<-e.schedulerDone
		}

		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.WarnContext(ctx, "Shutdown timed out, cancelling executing runs")
		errs = append(errs, ctx.Err())
	}

	e.cancelRuns()

	e.logger.InfoContext(ctx, "Engine stopped")

	return errors.Join(errs...)
}

func (e *Engine) activeWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	status := models.WorkflowStatusActive
	opts := persistence.ListWorkflowsOptions{Status: &status, Limit: persistence.MaxListLimit}

	var active []*models.Workflow

	for {
		page, err := e.workflows.ListWorkflows(ctx, opts)
		if err != nil {
			return nil, err
		}

		active = append(active, page.Workflows...)

		if !page.HasNextPage {
			return active, nil
		}

		opts.Offset += len(page.Workflows)
	}
}

func (e *Engine) check(wf *models.Workflow) error {
	err := e.validate.Struct(wf)
	if err != nil {
		return err
	}

	return graph.Validate(wf, e.registry)
}

func (e *Engine) requireNoInFlight(ctx context.Context, op, id string) error {
	inFlight, err := e.runs.CountInFlight(ctx, id)
	if err != nil {
		return newError(op, id, err)
	}

	if inFlight > 0 {
		return newError(op, id, fmt.Errorf("%w: %d", ErrWorkflowHasInFlightRuns, inFlight))
	}

	return nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
