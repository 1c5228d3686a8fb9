package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos/internal/task"
)

func newTestDispatcher(t *testing.T) *RedisDispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, WithQueue("test:dispatch"))
}

func TestDispatchEnqueuesEnvelope(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	step := &task.Step{ID: "fetch", Name: "fetch contacts", AgentType: "data"}
	res, err := d.DispatchStep(ctx, "task-1", step)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "fetch", res.StepID)

	n, err := d.QueueLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	env, err := d.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "task-1", env.TaskID)
	assert.Equal(t, "fetch", env.Step.ID)
	assert.Equal(t, "data", env.Step.AgentType)
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.DispatchStep(ctx, "task-1", &task.Step{ID: id})
		require.NoError(t, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		env, err := d.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, want, env.Step.ID)
	}
}

func TestDispatcherFunc(t *testing.T) {
	var gotTask string
	d := Func(func(_ context.Context, taskID string, step *task.Step) (*Result, error) {
		gotTask = taskID
		return &Result{Success: true, StepID: step.ID, ExternalTaskID: "ext-9"}, nil
	})

	res, err := d.DispatchStep(context.Background(), "task-2", &task.Step{ID: "draft"})
	require.NoError(t, err)
	assert.Equal(t, "task-2", gotTask)
	assert.Equal(t, "ext-9", res.ExternalTaskID)
}
