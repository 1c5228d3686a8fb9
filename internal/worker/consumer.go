package worker

import (
	"context"
	"log/slog"

	"github.com/fluxtopus/fluxos/internal/events"
)

// StepResolver is the scheduler surface the consumer drives. Satisfied
// by *scheduler.Scheduler.
type StepResolver interface {
	CompleteNode(ctx context.Context, taskID, nodeID string, result map[string]any) error
	FailNode(ctx context.Context, taskID, nodeID, message string) error
}

// Consumer turns executor-published step.completed / step.failed events
// into scheduler callbacks, fanning the work out on the pool.
type Consumer struct {
	pub      events.Publisher
	resolver StepResolver
	pool     *Pool
	logger   *slog.Logger
}

// NewConsumer creates a completion consumer.
func NewConsumer(pub events.Publisher, resolver StepResolver, pool *Pool, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{pub: pub, resolver: resolver, pool: pool, logger: logger}
}

// Run consumes completion events until the context ends. It is a fault
// barrier: a failing callback is logged, never propagated.
func (c *Consumer) Run(ctx context.Context) error {
	completed := c.pub.Subscribe(string(events.EventStepCompleted))
	failed := c.pub.Subscribe(string(events.EventStepFailed))
	defer c.pub.Unsubscribe(string(events.EventStepCompleted), completed)
	defer c.pub.Unsubscribe(string(events.EventStepFailed), failed)

	for {
		select {
		case <-ctx.Done():
			c.pool.Wait()
			return ctx.Err()
		case ev, ok := <-completed:
			if !ok {
				return nil
			}
			c.dispatch(ctx, ev)
		case ev, ok := <-failed:
			if !ok {
				return nil
			}
			c.dispatch(ctx, ev)
		}
	}
}

// dispatch handles one completion event on the pool.
func (c *Consumer) dispatch(ctx context.Context, ev events.Event) {
	if err := c.pool.Submit(ctx, func(ctx context.Context) {
		c.Handle(ctx, ev)
	}); err != nil {
		c.logger.Warn("dropped completion event", "event_id", ev.ID, "error", err)
	}
}

// Handle applies a single completion event to the scheduler.
func (c *Consumer) Handle(ctx context.Context, ev events.Event) {
	taskID := ev.TaskID()
	stepID, _ := ev.Data["step_id"].(string)
	if taskID == "" || stepID == "" {
		c.logger.Warn("completion event missing task or step id", "event_id", ev.ID, "event_type", ev.Type)
		return
	}

	var err error
	switch ev.Type {
	case events.EventStepCompleted:
		result, _ := ev.Data["result"].(map[string]any)
		err = c.resolver.CompleteNode(ctx, taskID, stepID, result)
	case events.EventStepFailed:
		msg, _ := ev.Data["error"].(string)
		if msg == "" {
			msg = "step failed"
		}
		err = c.resolver.FailNode(ctx, taskID, stepID, msg)
	default:
		return
	}
	if err != nil {
		c.logger.Error("completion callback failed",
			"event_id", ev.ID, "task_id", taskID, "step_id", stepID, "event_type", ev.Type, "error", err)
	}
}
