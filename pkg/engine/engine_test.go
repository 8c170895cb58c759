package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/autoflow/pkg/channels/gochannel"
	"github.com/dukex/autoflow/pkg/connectors/webhook"
	"github.com/dukex/autoflow/pkg/engine"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/mocks"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ticketAction fails permanently when its "fail" parameter renders to true.
type ticketAction struct {
	mu    sync.Mutex
	calls int
}

func (a *ticketAction) ID() string                   { return "ticketing" }
func (a *ticketAction) Name() string                 { return "Ticketing" }
func (a *ticketAction) Description() string          { return "creates tickets" }
func (a *ticketAction) ActionSchema() map[string]any { return map[string]any{"type": "object"} }

func (a *ticketAction) Execute(
	_ context.Context,
	request protocol.ActionRequest,
	_ *models.ExecutionContext,
) (models.ActionResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if request.Parameters["fail"] == true {
		return models.ActionResult{}, protocol.Permanent(errors.New("ticketing rejected the request"))
	}

	return models.ActionResult{OK: true, Output: map[string]any{"ticket_id": "T-1"}}, nil
}

func (a *ticketAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

// crmAction fails transiently for its first failures calls.
type crmAction struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (a *crmAction) ID() string                   { return "crm" }
func (a *crmAction) Name() string                 { return "CRM" }
func (a *crmAction) Description() string          { return "syncs contacts" }
func (a *crmAction) ActionSchema() map[string]any { return map[string]any{"type": "object"} }

func (a *crmAction) Execute(context.Context, protocol.ActionRequest, *models.ExecutionContext) (models.ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if a.calls <= a.failures {
		return models.ActionResult{}, protocol.Transient(errors.New("CRM timed out"))
	}

	return models.ActionResult{OK: true, Output: map[string]any{"synced": true}}, nil
}

func (a *crmAction) failFirst(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.failures = n
}

func (a *crmAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

var errStoreDown = errors.New("store unavailable")

// outageStore fails workflow reads while down is set.
type outageStore struct {
	persistence.Persistence

	workflows *outageWorkflows
}

func (s *outageStore) WorkflowRepository() persistence.WorkflowRepository {
	return s.workflows
}

type outageWorkflows struct {
	persistence.WorkflowRepository

	down atomic.Bool
}

func (w *outageWorkflows) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	if w.down.Load() {
		return nil, errStoreDown
	}

	return w.WorkflowRepository.GetByID(ctx, id)
}

type fixture struct {
	clock     *clockwork.FakeClock
	store     persistence.Persistence
	workflows *outageWorkflows
	webhook   *webhook.Connector
	tickets   *ticketAction
	crm       *crmAction
	engine    *engine.Engine
}

func newFixture(t *testing.T, config engine.Config) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir())
	f := &fixture{
		clock:     clockwork.NewFakeClockAt(epoch),
		workflows: &outageWorkflows{WorkflowRepository: store.WorkflowRepository()},
		webhook:   webhook.New(logger),
		tickets:   &ticketAction{},
		crm:       &crmAction{},
	}
	f.store = &outageStore{Persistence: store, workflows: f.workflows}

	reg := registry.NewRegistry(logger)
	require.NoError(t, reg.Register(f.webhook))
	require.NoError(t, reg.Register(f.tickets))
	require.NoError(t, reg.Register(f.crm))

	config.Clock = f.clock
	f.engine = engine.New(logger, f.store, reg, config)

	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })

	return f
}

func ticketWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:   id,
		Name: "Open ticket",
		Nodes: []*models.WorkflowNode{
			{ID: "inbound", Type: models.NodeTypeTrigger, Children: []string{"ticket"}, Trigger: &models.TriggerConfig{SourceID: "webhook"}},
			{ID: "ticket", Type: models.NodeTypeAction, Action: &models.ActionConfig{
				TargetID:   "ticketing",
				Parameters: map[string]any{"fail": "{{ .trigger.fail }}"},
			}},
		},
	}
}

func delayedTicketWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:   id,
		Name: "Open ticket tomorrow",
		Nodes: []*models.WorkflowNode{
			{ID: "inbound", Type: models.NodeTypeTrigger, Children: []string{"wait"}, Trigger: &models.TriggerConfig{SourceID: "webhook"}},
			{ID: "wait", Type: models.NodeTypeDelay, Children: []string{"ticket"}, Delay: &models.DelayConfig{Duration: models.Duration(24 * time.Hour)}},
			{ID: "ticket", Type: models.NodeTypeAction, Action: &models.ActionConfig{TargetID: "ticketing"}},
		},
	}
}

func (f *fixture) activate(t *testing.T, wf *models.Workflow) {
	t.Helper()

	_, err := f.engine.RegisterWorkflow(t.Context(), wf)
	require.NoError(t, err)

	_, err = f.engine.Activate(t.Context(), wf.ID)
	require.NoError(t, err)
}

func (f *fixture) trigger(t *testing.T, workflowID string, event models.TriggerEvent) *models.Run {
	t.Helper()

	event.WorkflowTriggerID = models.TriggerKey(workflowID, "inbound")

	run, err := f.engine.OnTriggerEvent(t.Context(), event)
	require.NoError(t, err)

	f.engine.Wait()

	run, err = f.engine.GetRun(t.Context(), run.ID)
	require.NoError(t, err)

	return run
}

func TestEngine_RegisterWorkflowRejectsInvalidGraphs(t *testing.T) {
	f := newFixture(t, engine.Config{})

	cyclic := ticketWorkflow("wf-cycle")
	cyclic.Nodes[1].Children = []string{"inbound"}

	unknown := ticketWorkflow("wf-unknown")
	unknown.Nodes[1].Action.TargetID = "smtp"

	twoRoots := ticketWorkflow("wf-two-roots")
	twoRoots.Nodes = append(twoRoots.Nodes, &models.WorkflowNode{
		ID: "second", Type: models.NodeTypeTrigger, Trigger: &models.TriggerConfig{SourceID: "webhook"},
	})

	unnamed := ticketWorkflow("wf-unnamed")
	unnamed.Name = ""

	tests := []struct {
		name     string
		workflow *models.Workflow
		kind     graph.ErrorKind
	}{
		{name: "cycle", workflow: cyclic, kind: graph.KindCycle},
		{name: "unknown connector", workflow: unknown, kind: graph.KindUnknownConnector},
		{name: "multiple roots", workflow: twoRoots, kind: graph.KindMultipleRoots},
		{name: "missing name", workflow: unnamed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.RegisterWorkflow(t.Context(), tt.workflow)
			require.Error(t, err)
			assert.True(t, engine.IsValidationError(err))
			assert.ErrorIs(t, err, engine.ErrInvalidWorkflow)
			assert.Equal(t, tt.kind, graph.KindOf(err))

			_, err = f.engine.GetWorkflow(t.Context(), tt.workflow.ID)
			assert.True(t, engine.IsNotFoundError(err))
		})
	}
}

func TestEngine_RegisterWorkflowStoresDraft(t *testing.T) {
	f := newFixture(t, engine.Config{})

	wf := ticketWorkflow("")
	wf.Status = models.WorkflowStatusActive

	registered, err := f.engine.RegisterWorkflow(t.Context(), wf)
	require.NoError(t, err)
	assert.NotEmpty(t, registered.ID)
	assert.Equal(t, models.WorkflowStatusDraft, registered.Status)
	assert.Equal(t, epoch, registered.CreatedAt)

	_, err = f.engine.RegisterWorkflow(t.Context(), ticketWorkflow(registered.ID))
	assert.ErrorIs(t, err, engine.ErrWorkflowExists)
	assert.True(t, engine.IsConflictError(err))
}

func TestEngine_TriggerLifecycle(t *testing.T) {
	f := newFixture(t, engine.Config{})

	_, err := f.engine.RegisterWorkflow(t.Context(), ticketWorkflow("wf-1"))
	require.NoError(t, err)

	_, err = f.engine.OnTriggerEvent(t.Context(), models.TriggerEvent{WorkflowTriggerID: "wf-1/inbound"})
	require.ErrorIs(t, err, engine.ErrWorkflowNotActive)

	_, err = f.engine.Pause(t.Context(), "wf-1")
	require.ErrorIs(t, err, engine.ErrWorkflowNotActive)

	activated, err := f.engine.Activate(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, activated.Status)
	assert.True(t, f.webhook.Subscribed("wf-1/inbound"))

	require.NoError(t, f.webhook.Deliver(t.Context(), "wf-1/inbound", webhook.Delivery{
		EventID: "delivery-1",
		Payload: map[string]any{"fail": false},
	}))
	f.engine.Wait()

	history, err := f.engine.ListHistory(t.Context(), "wf-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RunStatusSucceeded, history[0].Status)
	assert.Equal(t, "delivery-1", history[0].EventID)
	assert.Equal(t, 1, f.tickets.Calls())

	paused, err := f.engine.Pause(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPaused, paused.Status)
	assert.False(t, f.webhook.Subscribed("wf-1/inbound"))

	_, err = f.engine.OnTriggerEvent(t.Context(), models.TriggerEvent{WorkflowTriggerID: "wf-1/inbound"})
	assert.ErrorIs(t, err, engine.ErrWorkflowNotActive)
}

func TestEngine_OnTriggerEventRouting(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, ticketWorkflow("wf-1"))

	tests := []struct {
		name      string
		triggerID string
		check     func(error) bool
	}{
		{name: "malformed", triggerID: "wf-1", check: engine.IsValidationError},
		{name: "unknown workflow", triggerID: "wf-404/inbound", check: engine.IsNotFoundError},
		{name: "wrong trigger node", triggerID: "wf-1/ticket", check: engine.IsNotFoundError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.OnTriggerEvent(t.Context(), models.TriggerEvent{WorkflowTriggerID: tt.triggerID})
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}
}

func TestEngine_DuplicateEventReturnsExistingRun(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, ticketWorkflow("wf-1"))

	first := f.trigger(t, "wf-1", models.TriggerEvent{ID: "evt-7"})
	second := f.trigger(t, "wf-1", models.TriggerEvent{ID: "evt-7"})

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.tickets.Calls())

	history, err := f.engine.ListHistory(t.Context(), "wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEngine_PauseDoesNotCancelWaitingRuns(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, delayedTicketWorkflow("wf-delay"))

	run := f.trigger(t, "wf-delay", models.TriggerEvent{})
	require.Equal(t, models.RunStatusWaiting, run.Status)

	_, err := f.engine.Pause(t.Context(), "wf-delay")
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.engine.ResumeDue(t.Context()))

	run, err = f.engine.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, f.tickets.Calls())
}

func TestEngine_UpdateAndDeleteGuards(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, delayedTicketWorkflow("wf-guard"))

	_, err := f.engine.UpdateWorkflow(t.Context(), "wf-guard", delayedTicketWorkflow("ignored"))
	require.ErrorIs(t, err, engine.ErrWorkflowActive)

	err = f.engine.DeleteWorkflow(t.Context(), "wf-guard")
	require.ErrorIs(t, err, engine.ErrWorkflowActive)

	run := f.trigger(t, "wf-guard", models.TriggerEvent{})
	require.Equal(t, models.RunStatusWaiting, run.Status)

	_, err = f.engine.Pause(t.Context(), "wf-guard")
	require.NoError(t, err)

	err = f.engine.DeleteWorkflow(t.Context(), "wf-guard")
	require.ErrorIs(t, err, engine.ErrWorkflowHasInFlightRuns)

	_, err = f.engine.UpdateWorkflow(t.Context(), "wf-guard", ticketWorkflow("ignored"))
	require.ErrorIs(t, err, engine.ErrWorkflowHasInFlightRuns)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.engine.ResumeDue(t.Context()))

	updated, err := f.engine.UpdateWorkflow(t.Context(), "wf-guard", ticketWorkflow("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "wf-guard", updated.ID)
	assert.Equal(t, models.WorkflowStatusPaused, updated.Status)
	assert.Equal(t, epoch, updated.CreatedAt)

	require.NoError(t, f.engine.DeleteWorkflow(t.Context(), "wf-guard"))

	_, err = f.engine.GetWorkflow(t.Context(), "wf-guard")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestEngine_StatsMatchRunOutcomes(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, ticketWorkflow("wf-stats"))

	outcomes := []bool{false, true, false, false, true}
	for _, fail := range outcomes {
		f.trigger(t, "wf-stats", models.TriggerEvent{Payload: map[string]any{"fail": fail}})
		f.clock.Advance(time.Second)
	}

	stats, err := f.engine.GetStats(t.Context(), "wf-stats")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.RunCount)
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
	assert.InDelta(t, 3.0/5.0, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.LastRunAt)
	assert.Equal(t, epoch.Add(4*time.Second), stats.LastRunAt.UTC())

	history, err := f.engine.ListHistory(t.Context(), "wf-stats", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RunStatusFailed, history[0].Status)
	assert.Equal(t, models.RunStatusSucceeded, history[1].Status)
	assert.True(t, history[0].StartedAt.After(history[1].StartedAt))

	_, err = f.engine.GetStats(t.Context(), "wf-missing")
	assert.True(t, engine.IsNotFoundError(err))
}

func TestEngine_StartResubscribesActiveWorkflows(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, ticketWorkflow("wf-active"))

	_, err := f.engine.RegisterWorkflow(t.Context(), ticketWorkflow("wf-draft"))
	require.NoError(t, err)

	require.NoError(t, f.engine.Stop(t.Context()))
	assert.False(t, f.webhook.Subscribed("wf-active/inbound"))

	logger := slog.New(slog.DiscardHandler)
	reg := registry.NewRegistry(logger)
	hook := webhook.New(logger)
	require.NoError(t, reg.Register(hook))
	require.NoError(t, reg.Register(f.tickets))

	restarted := engine.New(logger, f.store, reg, engine.Config{Clock: f.clock})
	require.NoError(t, restarted.Start(t.Context()))
	t.Cleanup(func() { _ = restarted.Stop(context.Background()) })

	assert.True(t, hook.Subscribed("wf-active/inbound"))
	assert.False(t, hook.Subscribed("wf-draft/inbound"))
}

func TestEngine_ForwardedTriggersRunFromTheBus(t *testing.T) {
	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	f := newFixture(t, engine.Config{Bus: bus, ForwardTriggers: true})
	require.NoError(t, f.engine.Start(t.Context()))
	f.activate(t, ticketWorkflow("wf-remote"))

	require.NoError(t, f.webhook.Deliver(t.Context(), "wf-remote/inbound", webhook.Delivery{EventID: "remote-1"}))

	require.Eventually(t, func() bool {
		f.engine.Wait()

		history, err := f.engine.ListHistory(context.Background(), "wf-remote", 10)

		return err == nil && len(history) == 1 && history[0].Status == models.RunStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, f.tickets.Calls())
}

func TestEngine_StopRejectsNewRuns(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, ticketWorkflow("wf-1"))

	require.NoError(t, f.engine.Stop(t.Context()))

	_, err := f.engine.OnTriggerEvent(t.Context(), models.TriggerEvent{WorkflowTriggerID: "wf-1/inbound"})
	assert.ErrorIs(t, err, engine.ErrStopped)
}

func eventOfType(eventType events.EventType) any {
	return mock.MatchedBy(func(event eventbus.Event) bool {
		return event.GetType() == eventType
	})
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "wf-1", eventOfType(events.WorkflowActivatedEvent)).Return(nil).Once()
	bus.On("Publish", mock.Anything, "wf-1", eventOfType(events.WorkflowPausedEvent)).
		Return(errors.New("broker unavailable")).Once()

	f := newFixture(t, engine.Config{Bus: bus})
	f.activate(t, ticketWorkflow("wf-1"))

	paused, err := f.engine.Pause(t.Context(), "wf-1")
	require.NoError(t, err, "a failed publish does not fail the pause")
	assert.Equal(t, models.WorkflowStatusPaused, paused.Status)

	bus.AssertExpectations(t)
}

func crmWorkflow(id string, delay time.Duration) *models.Workflow {
	wf := &models.Workflow{
		ID:   id,
		Name: "Sync contact",
		Nodes: []*models.WorkflowNode{
			{ID: "inbound", Type: models.NodeTypeTrigger, Children: []string{"sync"}, Trigger: &models.TriggerConfig{SourceID: "webhook"}},
			{ID: "sync", Type: models.NodeTypeAction, Action: &models.ActionConfig{TargetID: "crm"}},
		},
	}

	if delay > 0 {
		wf.Nodes[0].Children = []string{"wait"}
		wf.Nodes = append(wf.Nodes, &models.WorkflowNode{
			ID: "wait", Type: models.NodeTypeDelay, Children: []string{"sync"}, Delay: &models.DelayConfig{Duration: models.Duration(delay)},
		})
	}

	return wf
}

func stepOutcomes(run *models.Run) []string {
	result := make([]string, 0, len(run.Steps))
	for _, step := range run.Steps {
		result = append(result, step.NodeID+":"+string(step.Outcome))
	}

	return result
}

func TestEngine_StopPastDeadlineLeavesRetryingRunRunning(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.crm.failFirst(10)
	f.activate(t, crmWorkflow("wf-crm", 0))

	run, err := f.engine.OnTriggerEvent(t.Context(), models.TriggerEvent{WorkflowTriggerID: "wf-crm/inbound"})
	require.NoError(t, err)

	blockCtx, blockCancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer blockCancel()

	require.NoError(t, f.clock.BlockUntilContext(blockCtx, 1), "run waits before its second attempt")

	stopCtx, stopCancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer stopCancel()

	err = f.engine.Stop(stopCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.engine.Wait()

	stored, err := f.engine.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, stored.Status)
	assert.Empty(t, stored.Error)
	assert.Nil(t, stored.EndedAt)
	assert.Equal(t, []string{"sync:failed"}, stepOutcomes(stored))
	assert.Equal(t, 1, f.crm.Calls())
}

func TestEngine_StopWaitsForResumedRuns(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.crm.failFirst(1)
	f.activate(t, crmWorkflow("wf-crm", time.Hour))

	run := f.trigger(t, "wf-crm", models.TriggerEvent{})
	require.Equal(t, models.RunStatusWaiting, run.Status)

	f.clock.Advance(time.Hour)

	resumed := make(chan error, 1)

	go func() { resumed <- f.engine.ResumeDue(context.Background()) }()

	blockCtx, blockCancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer blockCancel()

	require.NoError(t, f.clock.BlockUntilContext(blockCtx, 1), "resumed run waits before its second attempt")

	stopped := make(chan error, 1)

	go func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()

		stopped <- f.engine.Stop(stopCtx)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a resumed run was still executing")
	case <-time.After(50 * time.Millisecond):
	}

	f.clock.Advance(30 * time.Second)

	require.NoError(t, <-stopped)
	require.NoError(t, <-resumed)

	stored, err := f.engine.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	assert.Equal(t, []string{"wait:passed", "sync:failed", "sync:succeeded"}, stepOutcomes(stored))
}

func TestEngine_ResumeDueSurvivesStoreOutage(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.activate(t, delayedTicketWorkflow("wf-delay"))

	run := f.trigger(t, "wf-delay", models.TriggerEvent{})
	require.Equal(t, models.RunStatusWaiting, run.Status)

	f.clock.Advance(24 * time.Hour)
	f.workflows.down.Store(true)

	err := f.engine.ResumeDue(t.Context())
	require.Error(t, err)
	assert.True(t, workflow.IsSchedulerError(err))
	assert.ErrorIs(t, err, errStoreDown)

	f.workflows.down.Store(false)

	stored, err := f.engine.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaiting, stored.Status)
	assert.Empty(t, stored.Steps)
	assert.Zero(t, f.tickets.Calls())

	require.NoError(t, f.engine.ResumeDue(t.Context()))

	stored, err = f.engine.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	assert.Equal(t, []string{"wait:passed", "ticket:succeeded"}, stepOutcomes(stored))
	assert.Equal(t, 1, f.tickets.Calls())
}
