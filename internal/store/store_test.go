package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tasker-core/core/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasker.db")
	s, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.Run{
		TaskDescription: "log into example.com",
		MaxSteps:        10,
		LLMProvider:      "anthropic",
		LLMModel:         "claude-sonnet-4-20250514",
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunPending, got.Status)
	require.Equal(t, "log into example.com", got.TaskDescription)
}

func TestUpdateRunStatusTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.Run{TaskDescription: "t", MaxSteps: 5, LLMProvider: "openai", LLMModel: "gpt-4o"}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunCompleted, "", "done"))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, got.Status)
	require.Equal(t, "done", got.Result)
	require.NotNil(t, got.CompletedAt)
}

func TestAppendStepAssignsMonotonicNumbers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.Run{TaskDescription: "t", MaxSteps: 5, LLMProvider: "openai", LLMModel: "gpt-4o"}
	require.NoError(t, s.CreateRun(ctx, run))

	for i := 0; i < 3; i++ {
		step := &models.RunStep{RunID: run.ID, ToolName: "click", Success: true}
		require.NoError(t, s.AppendStep(ctx, step))
	}

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, 1, steps[0].StepNumber)
	require.Equal(t, 3, steps[2].StepNumber)
}

func TestDeleteRunCascadesSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.Run{TaskDescription: "t", MaxSteps: 5, LLMProvider: "openai", LLMModel: "gpt-4o"}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.AppendStep(ctx, &models.RunStep{RunID: run.ID, ToolName: "click"}))

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	_, err := s.GetRun(ctx, run.ID)
	require.Error(t, err)

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestSettingsOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Version)

	st.DefaultMaxSteps = 80
	require.NoError(t, s.UpdateSettings(ctx, st, st.Version))

	err = s.UpdateSettings(ctx, st, st.Version) // stale version now
	require.Error(t, err)
}
