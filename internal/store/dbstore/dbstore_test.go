package dbstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos/internal/checkpoint"
	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := task.New("summarize the quarter", "user-1", "org-1")
	tk.Steps = []*task.Step{
		{ID: "a", Name: "gather", Status: task.StepPending},
		{ID: "b", Name: "write", Status: task.StepPending, Dependencies: []string{"a"}},
	}
	tk.Metadata = map[string]any{"priority": "high"}
	require.NoError(t, s.CreateTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Goal, got.Goal)
	assert.Equal(t, "org-1", got.OrganizationID)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, []string{"a"}, got.Steps[1].Dependencies)
	assert.Equal(t, "high", got.Metadata["priority"])

	got.Status = task.StatusCompleted
	got.Steps[0].Status = task.StepDone
	require.NoError(t, s.UpdateTask(ctx, got))

	got2, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got2.Status)
	assert.Equal(t, task.StepDone, got2.Steps[0].Status)
}

func TestGetTaskMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTask(context.Background(), "TASK-missing")
	assert.True(t, errors.HasCode(err, errors.CodeTaskNotFound))
}

func TestUpdateTaskMissing(t *testing.T) {
	s := openTestStore(t)
	tk := task.New("orphan", "user-1", "org-1")
	err := s.UpdateTask(context.Background(), tk)
	assert.True(t, errors.HasCode(err, errors.CodeTaskNotFound))
}

func TestTreeUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tr := tree.New("task-1", tree.TypeTask)
	require.NoError(t, tr.AddNode(&tree.Node{ID: "a", Name: "gather", Type: tree.NodeAgent}, tree.RootID))
	require.NoError(t, s.SaveTree(ctx, tr))

	require.NoError(t, tr.UpdateStatus("a", tree.StatusRunning, nil, nil))
	require.NoError(t, s.SaveTree(ctx, tr))

	got, err := s.GetTree(ctx, "task-1")
	require.NoError(t, err)
	n, ok := got.Node("a")
	require.True(t, ok)
	assert.Equal(t, tree.StatusRunning, n.Status)

	_, err = s.GetTree(ctx, "task-missing")
	assert.True(t, errors.HasCode(err, errors.CodeTreeNotFound))
}

func TestEventLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := events.New(events.EventTaskCompleted, "scheduler", map[string]any{
			"task_id": "task-1",
		})
		require.NoError(t, s.AppendEventLog(ctx, ev))
	}
	other := events.New(events.EventTaskCompleted, "scheduler", map[string]any{
		"task_id": "task-2",
	})
	require.NoError(t, s.AppendEventLog(ctx, other))

	n, err := s.EventLogCount(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCheckpointStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cps := s.Checkpoints()

	cfg := &task.CheckpointConfig{
		Name:           "review draft",
		Type:           task.CheckpointApproval,
		TimeoutSeconds: 60,
	}
	st := checkpoint.NewState("task-1", "step-1", cfg, map[string]any{"draft": "v1"})
	require.NoError(t, cps.Put(ctx, st))

	got, err := cps.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.DecisionPending, got.Decision)
	assert.Equal(t, "v1", got.PreviewData["draft"])
	require.NotNil(t, got.ExpiresAt)

	byStep, err := cps.GetByStep(ctx, "task-1", "step-1")
	require.NoError(t, err)
	assert.Equal(t, st.ID, byStep.ID)

	got.Decision = checkpoint.DecisionApproved
	now := time.Now().UTC()
	got.ResolvedAt = &now
	require.NoError(t, cps.Update(ctx, got))

	got2, err := cps.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.DecisionApproved, got2.Decision)
	require.NotNil(t, got2.ResolvedAt)
}

func TestGetCheckpointByStepReturnsLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cps := s.Checkpoints()

	cfg := &task.CheckpointConfig{Name: "review", Type: task.CheckpointApproval}
	first := checkpoint.NewState("task-1", "step-1", cfg, nil)
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, cps.Put(ctx, first))

	second := checkpoint.NewState("task-1", "step-1", cfg, nil)
	require.NoError(t, cps.Put(ctx, second))

	got, err := cps.GetByStep(ctx, "task-1", "step-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestListPendingDueCheckpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cps := s.Checkpoints()

	mk := func(taskID string, due time.Time) *checkpoint.State {
		st := checkpoint.NewState(taskID, "step-1",
			&task.CheckpointConfig{Name: "review", Type: task.CheckpointApproval}, nil)
		st.ExpiresAt = &due
		require.NoError(t, cps.Put(ctx, st))
		return st
	}

	now := time.Now().UTC()
	overdue := mk("task-due", now.Add(-time.Minute))
	mk("task-later", now.Add(time.Hour))

	resolved := mk("task-resolved", now.Add(-time.Minute))
	resolved.Decision = checkpoint.DecisionApproved
	require.NoError(t, cps.Update(ctx, resolved))

	due, err := cps.ListPendingDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, overdue.ID, due[0].ID)
}

func TestUpdateCheckpointMissing(t *testing.T) {
	s := openTestStore(t)
	st := checkpoint.NewState("task-1", "step-1",
		&task.CheckpointConfig{Name: "review", Type: task.CheckpointApproval}, nil)
	err := s.Checkpoints().Update(context.Background(), st)
	assert.True(t, errors.HasCode(err, errors.CodeCheckpointNotFound))
}
