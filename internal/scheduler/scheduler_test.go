package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos/internal/checkpoint"
	"github.com/fluxtopus/fluxos/internal/dispatch"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/store/redisstore"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// recordingDispatcher captures dispatched step ids and can be told to
// refuse specific steps.
type recordingDispatcher struct {
	mu     sync.Mutex
	steps  []string
	refuse map[string]bool
}

func (d *recordingDispatcher) DispatchStep(_ context.Context, _ string, step *task.Step) (*dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse[step.ID] {
		return nil, fmt.Errorf("executor unavailable")
	}
	d.steps = append(d.steps, step.ID)
	return &dispatch.Result{Success: true, StepID: step.ID}, nil
}

func (d *recordingDispatcher) dispatchedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.steps...)
}

type schedEnv struct {
	store      *store.Dual
	durable    *store.Memory
	dispatcher *recordingDispatcher
	sched      *Scheduler
}

func newSchedEnv(t *testing.T, opts ...Option) *schedEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &schedEnv{
		durable:    store.NewMemory(),
		dispatcher: &recordingDispatcher{refuse: make(map[string]bool)},
	}
	env.store = store.NewDual(redisstore.New(client), env.durable)
	env.sched = New(env.store, env.dispatcher, opts...)
	return env
}

// seedTask builds a task whose tree is a -> (b, c): b and c both depend
// on a.
func (env *schedEnv) seedTask(t *testing.T, nodes ...*tree.Node) string {
	t.Helper()
	ctx := context.Background()

	steps := make([]*task.Step, 0, len(nodes))
	for _, n := range nodes {
		steps = append(steps, &task.Step{ID: n.ID, Name: n.Name, Status: task.StepPending})
	}
	tk := task.New("seeded goal", "user-1", "org-1")
	tk.Status = task.StatusExecuting
	tk.Steps = steps
	require.NoError(t, env.store.CreateTask(ctx, tk))

	tr := tree.New(tk.ID, tree.TypeTask)
	for _, n := range nodes {
		require.NoError(t, tr.AddNode(n, tree.RootID))
	}
	require.NoError(t, env.store.SaveTree(ctx, tr))
	return tk.ID
}

func diamond() []*tree.Node {
	return []*tree.Node{
		{ID: "a", Name: "fetch", Type: tree.NodeAgent},
		{ID: "b", Name: "draft", Type: tree.NodeAgent, Dependencies: []string{"a"}},
		{ID: "c", Name: "review", Type: tree.NodeAgent, Dependencies: []string{"a"}},
	}
}

func TestStartTaskBuildsTreeAndDispatches(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	tk := task.New("prepare launch", "user-1", "org-1")
	// Declared out of dependency order on purpose.
	tk.Steps = []*task.Step{
		{ID: "b", Name: "draft", Dependencies: []string{"a"}, Status: task.StepPending},
		{ID: "a", Name: "fetch", Status: task.StepPending},
	}
	require.NoError(t, env.sched.StartTask(ctx, tk))

	tk2, err := env.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, tk2.Status)

	tr, err := env.store.GetTree(ctx, tk.ID)
	require.NoError(t, err)
	assert.Len(t, tr.Nodes, 3) // root + 2 steps
	assert.Equal(t, tree.TypeTask, tr.Type)
	assert.Equal(t, []string{"a"}, env.dispatcher.dispatchedIDs())
}

func TestScheduleDispatchesOnlyReadyFrontier(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, diamond()...)

	n, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, env.dispatcher.dispatchedIDs())

	// Completing a unblocks b and c.
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "a", map[string]any{"rows": 10}))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, env.dispatcher.dispatchedIDs())
}

func TestMarkerPreventsDoubleDispatch(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, diamond()...)

	_, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	n, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"a"}, env.dispatcher.dispatchedIDs())
}

func TestConcurrentPassesDispatchEachNodeOnce(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, diamond()...)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.sched.ScheduleReadyNodes(ctx, taskID)
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"a"}, env.dispatcher.dispatchedIDs())
}

func TestPausedTaskIsNotScheduled(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, diamond()...)

	require.NoError(t, env.store.PauseTask(ctx, taskID))
	n, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, env.dispatcher.dispatchedIDs())

	require.NoError(t, env.store.ResumeTask(ctx, taskID))
	n, err = env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatchFailureFinalizesTask(t *testing.T) {
	pub := events.NewMemoryPublisher()
	env := newSchedEnv(t, WithPublisher(pub))
	env.dispatcher.refuse["a"] = true
	ctx := context.Background()
	taskID := env.seedTask(t, &tree.Node{ID: "a", Name: "only", Type: tree.NodeAgent})

	n, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	require.NotNil(t, tk.CompletedAt)

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	node, _ := tr.Node("a")
	assert.Equal(t, tree.StatusFailed, node.Status)

	log := env.durable.EventLog()
	require.Len(t, log, 1)
	assert.Equal(t, events.EventTaskFailed, log[0].Type)
	errs, _ := log[0].Data["errors"].([]string)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "dispatch failed")
}

func TestFinalizeRunsOnce(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, &tree.Node{ID: "a", Name: "only", Type: tree.NodeAgent})

	_, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "a", nil))

	// Further passes on the finished tree must not re-finalize.
	_, err = env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, env.durable.EventLog(), 1)
}

func TestConcurrentPassesFinalizeOnce(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, &tree.Node{ID: "a", Name: "only", Type: tree.NodeAgent})

	_, err := env.store.UpdateNodeStatus(ctx, taskID, "a", tree.StatusRunning, nil, nil)
	require.NoError(t, err)
	_, err = env.store.UpdateNodeStatus(ctx, taskID, "a", tree.StatusCompleted, nil, nil)
	require.NoError(t, err)

	// Every pass observes the finished tree; only one may finalize.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = env.sched.ScheduleReadyNodes(ctx, taskID)
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, env.durable.EventLog(), 1)
	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
}

func TestScheduleUnmaterializedTaskIsNoOp(t *testing.T) {
	env := newSchedEnv(t)

	n, err := env.sched.ScheduleReadyNodes(context.Background(), "never-started")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCompletionSyncsStepsAndCounts(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t, diamond()...)

	_, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "a", map[string]any{"rows": 10}))
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "b", nil))
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "c", nil))

	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, 3, tk.StepsCompleted())
	stepA, ok := tk.Step("a")
	require.True(t, ok)
	assert.Equal(t, task.StepDone, stepA.Status)

	log := env.durable.EventLog()
	require.Len(t, log, 1)
	assert.Equal(t, events.EventTaskCompleted, log[0].Type)
	assert.Equal(t, 3, log[0].Data["steps_completed"])
}

func TestFailNodeAllOrNothingCancelsRemaining(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	nodes := diamond()
	nodes[0].Metadata = map[string]any{tree.MetaFailurePolicy: string(task.FailureAllOrNothing)}
	taskID := env.seedTask(t, nodes...)

	_, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, env.sched.FailNode(ctx, taskID, "a", "agent crashed"))

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	b, _ := tr.Node("b")
	c, _ := tr.Node("c")
	assert.Equal(t, tree.StatusCancelled, b.Status)
	assert.Equal(t, tree.StatusCancelled, c.Status)

	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
}

func TestFailNodeContinueKeepsIndependentBranches(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	taskID := env.seedTask(t,
		&tree.Node{ID: "a", Name: "fetch", Type: tree.NodeAgent,
			Metadata: map[string]any{tree.MetaFailurePolicy: string(task.FailureContinue)}},
		&tree.Node{ID: "b", Name: "independent", Type: tree.NodeAgent},
	)

	_, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, env.dispatcher.dispatchedIDs())

	require.NoError(t, env.sched.FailNode(ctx, taskID, "a", "agent crashed"))

	// b keeps running; finishing it finalizes the task as failed.
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "b", nil))
	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, 1, tk.StepsCompleted())
}

func TestCompleteNodeSuspendsOnCheckpoint(t *testing.T) {
	states := checkpoint.NewMemoryStore()
	env := newSchedEnv(t)
	manager := checkpoint.NewManager(env.store, states)
	env.sched = New(env.store, env.dispatcher, WithCheckpoints(manager))
	ctx := context.Background()

	cfg := &task.CheckpointConfig{Name: "gate", Type: task.CheckpointApproval}
	taskID := env.seedTask(t, &tree.Node{
		ID:       "a",
		Name:     "gated",
		Type:     tree.NodeAgent,
		Metadata: map[string]any{tree.MetaCheckpointConfig: cfg.ToMap()},
	})

	_, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "a", map[string]any{"draft": "v1"}))

	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	n, _ := tr.Node("a")
	assert.Equal(t, tree.StatusPaused, n.Status)

	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCheckpoint, tk.Status)

	// Approval completes the node; rescheduling finalizes the task.
	st, err := states.GetByStep(ctx, taskID, "a")
	require.NoError(t, err)
	_, err = manager.Resolve(ctx, st.ID, checkpoint.DecisionApproved, &checkpoint.Response{Note: "ok"})
	require.NoError(t, err)
	require.NoError(t, env.sched.ResolveCheckpointNode(ctx, taskID, "a"))

	tk, err = env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
}

func TestCheckpointExpiryAppliesFailurePolicy(t *testing.T) {
	states := checkpoint.NewMemoryStore()
	env := newSchedEnv(t)
	current := time.Now().UTC()
	manager := checkpoint.NewManager(env.store, states,
		checkpoint.WithClock(func() time.Time { return current }),
		checkpoint.WithNodeFailer(func(ctx context.Context, taskID, nodeID, message string) error {
			return env.sched.FailNode(ctx, taskID, nodeID, message)
		}))
	env.sched = New(env.store, env.dispatcher, WithCheckpoints(manager))
	ctx := context.Background()

	cfg := &task.CheckpointConfig{Name: "gate", Type: task.CheckpointApproval, TimeoutSeconds: 60}
	taskID := env.seedTask(t,
		&tree.Node{ID: "a", Name: "gated", Type: tree.NodeAgent, Metadata: map[string]any{
			tree.MetaCheckpointConfig: cfg.ToMap(),
			tree.MetaIsCritical:       true,
		}},
		&tree.Node{ID: "c", Name: "independent", Type: tree.NodeAgent},
		&tree.Node{ID: "b", Name: "downstream", Type: tree.NodeAgent, Dependencies: []string{"c"}},
	)

	_, err := env.sched.ScheduleReadyNodes(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "a", nil))

	// Let the checkpoint deadline pass, then sweep.
	current = current.Add(2 * time.Minute)
	expired, err := manager.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// The expired critical step cancels the pending sibling branch, not
	// just its own node.
	tr, err := env.store.GetTree(ctx, taskID)
	require.NoError(t, err)
	a, _ := tr.Node("a")
	b, _ := tr.Node("b")
	assert.Equal(t, tree.StatusFailed, a.Status)
	assert.Equal(t, tree.StatusCancelled, b.Status)

	// c was already running and gets to finish; the task still fails.
	require.NoError(t, env.sched.CompleteNode(ctx, taskID, "c", nil))
	tk, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
}
