// Package dispatch defines the port through which the scheduler hands
// steps to agent executors, plus the Redis work-queue transport used by
// out-of-process workers.
package dispatch

import (
	"context"

	"github.com/fluxtopus/fluxos/internal/task"
)

// Result reports the outcome of handing a step to an executor.
type Result struct {
	Success bool   `json:"success"`
	StepID  string `json:"step_id"`
	// ExternalTaskID is the executor's own identifier for the work, when
	// it assigns one.
	ExternalTaskID string `json:"external_task_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Dispatcher hands a step to an executor. A nil error with
// Result.Success false means the executor accepted the call but refused
// the step; both are treated as dispatch failure by the scheduler.
type Dispatcher interface {
	DispatchStep(ctx context.Context, taskID string, step *task.Step) (*Result, error)
}

// Func adapts a function to the Dispatcher interface.
type Func func(ctx context.Context, taskID string, step *task.Step) (*Result, error)

func (f Func) DispatchStep(ctx context.Context, taskID string, step *task.Step) (*Result, error) {
	return f(ctx, taskID, step)
}
