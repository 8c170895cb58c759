package workflow_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// scriptedAction returns its results in order, then repeats the last one.
type scriptedAction struct {
	id string

	mu       sync.Mutex
	results  []error
	outputs  map[string]any
	requests []protocol.ActionRequest
}

func (a *scriptedAction) ID() string          { return a.id }
func (a *scriptedAction) Name() string        { return a.id }
func (a *scriptedAction) Description() string { return "scripted test action" }

func (a *scriptedAction) ActionSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func (a *scriptedAction) Execute(
	_ context.Context,
	request protocol.ActionRequest,
	_ *models.ExecutionContext,
) (models.ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = append(a.requests, request)

	var err error
	if len(a.results) > 0 {
		index := min(len(a.requests), len(a.results)) - 1
		err = a.results[index]
	}

	if err != nil {
		return models.ActionResult{}, err
	}

	return models.ActionResult{OK: true, Output: a.outputs}, nil
}

func (a *scriptedAction) Calls() []protocol.ActionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]protocol.ActionRequest(nil), a.requests...)
}

// outageWorkflows fails reads while down is set.
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

type harness struct {
	clock       *clockwork.FakeClock
	persistence persistence.Persistence
	workflows   *outageWorkflows
	registry    *registry.Registry
	executor    *workflow.Executor
}

func newHarness(t *testing.T, actions ...*scriptedAction) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	clock := clockwork.NewFakeClockAt(epoch)
	store := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(logger)

	for _, action := range actions {
		require.NoError(t, reg.Register(action))
	}

	workflows := &outageWorkflows{WorkflowRepository: store.WorkflowRepository()}
	executor := workflow.NewExecutor(logger, workflows, store.RunRepository(), reg, workflow.ExecutorConfig{
		Clock: clock,
	})

	return &harness{clock: clock, persistence: store, workflows: workflows, registry: reg, executor: executor}
}

func (h *harness) stored(t *testing.T, runID string) *models.Run {
	t.Helper()

	run, err := h.persistence.RunRepository().GetRun(t.Context(), runID)
	require.NoError(t, err)

	return run
}

func (h *harness) save(t *testing.T, wf *models.Workflow) *models.Workflow {
	t.Helper()

	require.NoError(t, h.persistence.WorkflowRepository().Save(t.Context(), wf))

	return wf
}

// start creates and runs a run for payload up to its first suspension or end.
func (h *harness) start(t *testing.T, wf *models.Workflow, payload map[string]any) *models.Run {
	t.Helper()

	run, err := h.executor.Begin(t.Context(), wf, models.TriggerEvent{
		WorkflowTriggerID: models.TriggerKey(wf.ID, wf.TriggerNode().ID),
		Payload:           payload,
		OccurredAt:        h.clock.Now(),
	})
	require.NoError(t, err)

	run, err = h.executor.Execute(t.Context(), run)
	require.NoError(t, err)

	return run
}

func triggerNode(children ...string) *models.WorkflowNode {
	return &models.WorkflowNode{
		ID:       "trigger",
		Type:     models.NodeTypeTrigger,
		Children: children,
		Trigger:  &models.TriggerConfig{SourceID: "webhook"},
	}
}

func actionNode(id, target string, parameters map[string]any, children ...string) *models.WorkflowNode {
	return &models.WorkflowNode{
		ID:       id,
		Type:     models.NodeTypeAction,
		Children: children,
		Action:   &models.ActionConfig{TargetID: target, Parameters: parameters},
	}
}

func conditionNode(id string, predicate models.Predicate, children ...string) *models.WorkflowNode {
	return &models.WorkflowNode{
		ID:        id,
		Type:      models.NodeTypeCondition,
		Children:  children,
		Condition: &models.ConditionConfig{Predicate: predicate},
	}
}

func delayNode(id string, duration time.Duration, child string) *models.WorkflowNode {
	return &models.WorkflowNode{
		ID:       id,
		Type:     models.NodeTypeDelay,
		Children: []string{child},
		Delay:    &models.DelayConfig{Duration: models.Duration(duration)},
	}
}

func outcomes(run *models.Run) []string {
	result := make([]string, 0, len(run.Steps))
	for _, step := range run.Steps {
		result = append(result, step.NodeID+":"+string(step.Outcome))
	}

	return result
}

var errStoreDown = errors.New("store unavailable")
