package dispatch

import (
	"context"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/task"
)

// ChannelDispatcher hands steps to an in-process consumer over a
// channel. Used by tests and single-process deployments.
type ChannelDispatcher struct {
	ch chan Envelope
}

// NewChannel creates a channel dispatcher with the given buffer.
func NewChannel(buffer int) *ChannelDispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelDispatcher{ch: make(chan Envelope, buffer)}
}

// C exposes the consumer side.
func (d *ChannelDispatcher) C() <-chan Envelope {
	return d.ch
}

// DispatchStep delivers the step to the channel without blocking; a
// full channel is a dispatch failure.
func (d *ChannelDispatcher) DispatchStep(_ context.Context, taskID string, step *task.Step) (*Result, error) {
	select {
	case d.ch <- Envelope{TaskID: taskID, Step: step}:
		return &Result{Success: true, StepID: step.ID}, nil
	default:
		return nil, errors.Newf(errors.CodeDispatchFailed, "dispatch channel full for step %s", step.ID)
	}
}
