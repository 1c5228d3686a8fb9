package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/task"
)

// DefaultQueue is the Redis list agent workers consume from.
const DefaultQueue = "fluxos:dispatch"

// Envelope is the wire format pushed onto the work queue.
type Envelope struct {
	TaskID     string     `json:"task_id"`
	Step       *task.Step `json:"step"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// RedisDispatcher enqueues steps on a Redis list for out-of-process
// agent workers. Enqueueing is the dispatch; execution outcomes come
// back through the event bus.
type RedisDispatcher struct {
	client redis.UniversalClient
	queue  string
}

// RedisOption configures a RedisDispatcher.
type RedisOption func(*RedisDispatcher)

// WithQueue overrides the work-queue key.
func WithQueue(queue string) RedisOption {
	return func(d *RedisDispatcher) {
		if queue != "" {
			d.queue = queue
		}
	}
}

// NewRedis creates a Redis work-queue dispatcher.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisDispatcher {
	d := &RedisDispatcher{client: client, queue: DefaultQueue}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchStep pushes the step onto the work queue.
func (d *RedisDispatcher) DispatchStep(ctx context.Context, taskID string, step *task.Step) (*Result, error) {
	env := Envelope{TaskID: taskID, Step: step, EnqueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch envelope for step %s: %w", step.ID, err)
	}
	if err := d.client.LPush(ctx, d.queue, payload).Err(); err != nil {
		return nil, errors.Newf(errors.CodeDispatchFailed, "enqueue step %s", step.ID).WithCause(err)
	}
	return &Result{Success: true, StepID: step.ID}, nil
}

// Dequeue blocks until a step is available or the timeout elapses. A
// zero timeout blocks indefinitely. Returns nil without error on
// timeout.
func (d *RedisDispatcher) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	vals, err := d.client.BRPop(ctx, timeout, d.queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", d.queue, err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(vals[1]), &env); err != nil {
		return nil, fmt.Errorf("decode dispatch envelope: %w", err)
	}
	return &env, nil
}

// QueueLen returns the number of enqueued steps.
func (d *RedisDispatcher) QueueLen(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.queue).Result()
}
