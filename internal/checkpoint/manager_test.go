package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/store/redisstore"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

type checkpointEnv struct {
	store   *store.Dual
	states  *MemoryStore
	manager *Manager
	now     time.Time
}

func newCheckpointEnv(t *testing.T) *checkpointEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &checkpointEnv{
		store:  store.NewDual(redisstore.New(client), store.NewMemory()),
		states: NewMemoryStore(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.manager = NewManager(env.store, env.states, WithClock(func() time.Time { return env.now }))
	return env
}

// seedSuspendedTask creates a task whose single step is running and
// carries the given checkpoint config, then suspends it.
func (env *checkpointEnv) seedSuspendedTask(t *testing.T, cfg *task.CheckpointConfig) (*State, string) {
	t.Helper()
	ctx := context.Background()

	tk := task.New("review the rollout plan", "user-1", "org-1")
	tk.Status = task.StatusExecuting
	require.NoError(t, env.store.CreateTask(ctx, tk))

	tr := tree.New(tk.ID, tree.TypeTask)
	require.NoError(t, tr.AddNode(&tree.Node{
		ID:       "review",
		Name:     "review rollout",
		Type:     tree.NodeAgent,
		Metadata: map[string]any{tree.MetaCheckpointConfig: cfg.ToMap()},
	}, tree.RootID))
	require.NoError(t, env.store.SaveTree(ctx, tr))
	_, err := env.store.UpdateNodeStatus(ctx, tk.ID, "review", tree.StatusRunning, nil, nil)
	require.NoError(t, err)

	st, err := env.manager.Suspend(ctx, tk.ID, "review", map[string]any{"plan": "canary 5%"})
	require.NoError(t, err)
	return st, tk.ID
}

func approvalConfig(timeout int) *task.CheckpointConfig {
	return &task.CheckpointConfig{
		Name:           "deploy-approval",
		Type:           task.CheckpointApproval,
		TimeoutSeconds: timeout,
	}
}

func TestSuspendPausesNodeAndTask(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	st, taskID := env.seedSuspendedTask(t, approvalConfig(3600))

	assert.Equal(t, DecisionPending, st.Decision)
	assert.Equal(t, task.CheckpointApproval, st.Type)
	require.NotNil(t, st.ExpiresAt)
	assert.Equal(t, env.now.Add(time.Hour), *st.ExpiresAt)

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	n, ok := tr.Node("review")
	require.True(t, ok)
	assert.Equal(t, tree.StatusPaused, n.Status)

	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCheckpoint, tk.Status)
}

func TestResolveApprovedCompletesNode(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	st, taskID := env.seedSuspendedTask(t, approvalConfig(0))

	resolved, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, &Response{Note: "ship it"})
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, resolved.Decision)
	require.NotNil(t, resolved.ResolvedAt)

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	n, _ := tr.Node("review")
	assert.Equal(t, tree.StatusCompleted, n.Status)
	assert.Equal(t, "approved", n.ResultData["checkpoint_decision"])
	assert.Equal(t, "ship it", n.ResultData["checkpoint_note"])

	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, tk.Status)
}

func TestResolveRejectedFailsNode(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	st, taskID := env.seedSuspendedTask(t, approvalConfig(0))

	_, err := env.manager.Resolve(ctx, st.ID, DecisionRejected, &Response{Note: "wrong window"})
	require.NoError(t, err)

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	n, _ := tr.Node("review")
	assert.Equal(t, tree.StatusFailed, n.Status)
	assert.Equal(t, "checkpoint rejected", n.ErrorData["message"])
	assert.Equal(t, "wrong window", n.ErrorData["reason"])
}

func TestResolveTwiceRefused(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	st, _ := env.seedSuspendedTask(t, approvalConfig(0))

	_, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, nil)
	require.NoError(t, err)

	_, err = env.manager.Resolve(ctx, st.ID, DecisionRejected, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCheckpointResolved))
}

func TestResolveSelectValidatesChoice(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	cfg := &task.CheckpointConfig{
		Name:         "pick-strategy",
		Type:         task.CheckpointSelect,
		Alternatives: []string{"canary", "blue-green"},
	}
	st, taskID := env.seedSuspendedTask(t, cfg)

	_, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, &Response{Choice: "big-bang"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCheckpointInvalid))

	resolved, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, &Response{Choice: "canary"})
	require.NoError(t, err)
	assert.Equal(t, "canary", resolved.ResponseData["selected"])

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	n, _ := tr.Node("review")
	assert.Equal(t, "canary", n.ResultData["selected"])
}

func TestResolveQARequiresAllAnswers(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	cfg := &task.CheckpointConfig{
		Name:      "postmortem-qa",
		Type:      task.CheckpointQA,
		Questions: []string{"was the alert actionable?", "did rollback work?"},
	}
	st, _ := env.seedSuspendedTask(t, cfg)

	_, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, &Response{
		Answers: map[string]string{"was the alert actionable?": "yes"},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCheckpointInvalid))

	resolved, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, &Response{
		Answers: map[string]string{
			"was the alert actionable?": "yes",
			"did rollback work?":        "yes, in 40s",
		},
	})
	require.NoError(t, err)
	answers, ok := resolved.ResponseData["answers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yes, in 40s", answers["did rollback work?"])
}

func TestResolveInputRequiresSchemaFields(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	cfg := &task.CheckpointConfig{
		Name:        "budget-input",
		Type:        task.CheckpointInput,
		InputSchema: map[string]any{"budget_usd": "number"},
	}
	st, _ := env.seedSuspendedTask(t, cfg)

	_, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, &Response{Data: map[string]any{}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCheckpointInvalid))

	resolved, err := env.manager.Resolve(ctx, st.ID, DecisionModified, &Response{
		Data: map[string]any{"budget_usd": 500},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionModified, resolved.Decision)
	assert.Equal(t, 500, resolved.ResponseData["budget_usd"])
}

func TestResolveAfterDeadlineExpires(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	st, taskID := env.seedSuspendedTask(t, approvalConfig(60))
	env.now = env.now.Add(2 * time.Minute)

	_, err := env.manager.Resolve(ctx, st.ID, DecisionApproved, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCheckpointExpired))

	// Expiry is terminal and distinct from rejection.
	got, err := env.states.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionExpired, got.Decision)

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	n, _ := tr.Node("review")
	assert.Equal(t, tree.StatusFailed, n.Status)
	assert.Equal(t, "checkpoint expired before resolution", n.ErrorData["message"])
}

func TestExpireDueSweep(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	due, _ := env.seedSuspendedTask(t, approvalConfig(60))
	notDue, _ := env.seedSuspendedTask(t, approvalConfig(3600))
	env.now = env.now.Add(5 * time.Minute)

	expired, err := env.manager.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, due.ID, expired[0].ID)
	assert.Equal(t, DecisionExpired, expired[0].Decision)

	still, err := env.states.Get(ctx, notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, still.Decision)
}

func TestMemoryStoreGetByStep(t *testing.T) {
	env := newCheckpointEnv(t)
	ctx := context.Background()

	st, taskID := env.seedSuspendedTask(t, approvalConfig(0))

	got, err := env.states.GetByStep(ctx, taskID, "review")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)

	_, err = env.states.GetByStep(ctx, taskID, "missing")
	assert.True(t, errors.HasCode(err, errors.CodeCheckpointNotFound))
}
