package workflow_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/mocks"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestScheduler_TickResumesOnlyDueRuns(t *testing.T) {
	email := &scriptedAction{id: "email"}
	h := newHarness(t, email)
	wf := h.save(t, delayedSurveyWorkflow())

	scheduler := workflow.NewScheduler(slog.New(slog.DiscardHandler), h.persistence.RunRepository(), h.executor, workflow.SchedulerConfig{
		Clock: h.clock,
	})

	early := h.start(t, wf, map[string]any{"email": "early@example.com"})

	h.clock.Advance(12 * time.Hour)

	late := h.start(t, wf, map[string]any{"email": "late@example.com"})

	h.clock.Advance(12 * time.Hour)
	require.NoError(t, scheduler.Tick(t.Context()))

	runs := h.persistence.RunRepository()

	got, err := runs.GetRun(t.Context(), early.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)

	got, err = runs.GetRun(t.Context(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaiting, got.Status)

	h.clock.Advance(12 * time.Hour)
	require.NoError(t, scheduler.Tick(t.Context()))

	got, err = runs.GetRun(t.Context(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.Equal(t, []string{"wait:passed", "send_survey:succeeded"}, outcomes(got))

	// A repeated tick finds nothing due and changes nothing.
	require.NoError(t, scheduler.Tick(t.Context()))
	assert.Len(t, email.Calls(), 2)
}

func TestScheduler_TickBeforeResumeAtLeavesRunWaiting(t *testing.T) {
	h := newHarness(t, &scriptedAction{id: "email"})
	wf := h.save(t, delayedSurveyWorkflow())
	scheduler := workflow.NewScheduler(slog.New(slog.DiscardHandler), h.persistence.RunRepository(), h.executor, workflow.SchedulerConfig{
		Clock: h.clock,
	})

	run := h.start(t, wf, map[string]any{"email": "ana@example.com"})
	h.clock.Advance(24*time.Hour - time.Second)

	require.NoError(t, scheduler.Tick(t.Context()))

	got, err := h.persistence.RunRepository().GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaiting, got.Status)
	assert.Empty(t, got.Steps)
}

func TestScheduler_StoreErrorIsSchedulerError(t *testing.T) {
	h := newHarness(t)

	runs := &mocks.MockRunRepository{}
	runs.On("DueRuns", mock.Anything, mock.AnythingOfType("time.Time"), workflow.DefaultTickBatchSize).Return(nil, errStoreDown)

	scheduler := workflow.NewScheduler(slog.New(slog.DiscardHandler), runs, h.executor, workflow.SchedulerConfig{
		Clock: h.clock,
	})

	err := scheduler.Tick(t.Context())
	require.Error(t, err)
	assert.True(t, workflow.IsSchedulerError(err))
	assert.ErrorIs(t, err, errStoreDown)
	runs.AssertExpectations(t)
}

func TestScheduler_ResumeFailuresAreCollected(t *testing.T) {
	h := newHarness(t)

	runs := &mocks.MockRunRepository{}
	runs.On("DueRuns", mock.Anything, mock.AnythingOfType("time.Time"), 10).Return([]*models.Run{
		{ID: "run-gone-1", WorkflowID: "wf-1", Status: models.RunStatusWaiting},
		{ID: "run-gone-2", WorkflowID: "wf-1", Status: models.RunStatusWaiting},
	}, nil)

	scheduler := workflow.NewScheduler(slog.New(slog.DiscardHandler), runs, h.executor, workflow.SchedulerConfig{
		Clock:     h.clock,
		BatchSize: 10,
	})

	err := scheduler.Tick(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
	assert.Contains(t, err.Error(), "run-gone-1")
	assert.Contains(t, err.Error(), "run-gone-2")
}

func TestScheduler_StoreOutageDuringResumeKeepsRunForNextTick(t *testing.T) {
	email := &scriptedAction{id: "email"}
	h := newHarness(t, email)
	wf := h.save(t, delayedSurveyWorkflow())
	scheduler := workflow.NewScheduler(slog.New(slog.DiscardHandler), h.persistence.RunRepository(), h.executor, workflow.SchedulerConfig{
		Clock: h.clock,
	})

	run := h.start(t, wf, map[string]any{"email": "ana@example.com"})
	h.clock.Advance(24 * time.Hour)

	h.workflows.down.Store(true)

	err := scheduler.Tick(t.Context())
	require.Error(t, err)
	assert.True(t, workflow.IsSchedulerError(err))
	assert.ErrorIs(t, err, errStoreDown)

	got := h.stored(t, run.ID)
	assert.Equal(t, models.RunStatusWaiting, got.Status)
	assert.Empty(t, got.Steps)
	assert.Empty(t, email.Calls())

	h.workflows.down.Store(false)

	require.NoError(t, scheduler.Tick(t.Context()))

	got = h.stored(t, run.ID)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.Equal(t, []string{"wait:passed", "send_survey:succeeded"}, outcomes(got))
	assert.Len(t, email.Calls(), 1)
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	scheduler := workflow.NewScheduler(slog.New(slog.DiscardHandler), h.persistence.RunRepository(), h.executor, workflow.SchedulerConfig{
		Clock:    h.clock,
		Interval: time.Second,
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- scheduler.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerError(t *testing.T) {
	err := &workflow.SchedulerError{Op: "resume", RunID: "run-1", Err: errStoreDown}

	assert.Equal(t, "scheduler resume failed for run run-1: store unavailable", err.Error())
	assert.ErrorIs(t, err, errStoreDown)

	err = &workflow.SchedulerError{Op: "list_due_runs", Err: errStoreDown}
	assert.Equal(t, "scheduler list_due_runs failed: store unavailable", err.Error())
}
