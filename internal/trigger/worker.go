package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/lock"
)

const (
	// DefaultEventLockTTL bounds how long a crashed worker can hold an
	// event; expiry is the recovery mechanism.
	DefaultEventLockTTL = 5 * time.Minute
	// SingletonLockKey is the fixed key a worker must hold to consume
	// the event stream.
	SingletonLockKey = "trigger:worker"
	// DefaultSingletonTTL is the singleton election lease lifetime.
	DefaultSingletonTTL = 30 * time.Second
	// DefaultElectionRetry is how long a standby waits between
	// election attempts.
	DefaultElectionRetry = 5 * time.Second
)

// Handler processes one matched (event, registration) pair.
type Handler func(ctx context.Context, ev events.Event, reg Registration) error

// Worker consumes engine events and fires matching triggers. Multiple
// worker processes may receive the same pub/sub fan-out; the per-event
// lock guarantees at most one of them processes a given event id.
type Worker struct {
	registry *Registry
	locker   lock.Locker
	handler  Handler
	pub      events.Publisher
	logger   *slog.Logger

	eventLockTTL  time.Duration
	singletonTTL  time.Duration
	electionRetry time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithEventLockTTL overrides the per-event lock lifetime.
func WithEventLockTTL(ttl time.Duration) WorkerOption {
	return func(w *Worker) {
		if ttl > 0 {
			w.eventLockTTL = ttl
		}
	}
}

// WithSingletonTTL overrides the election lease lifetime.
func WithSingletonTTL(ttl time.Duration) WorkerOption {
	return func(w *Worker) {
		if ttl > 0 {
			w.singletonTTL = ttl
		}
	}
}

// WithElectionRetry overrides the standby election cadence.
func WithElectionRetry(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.electionRetry = d
		}
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a trigger worker. pub is the event bus the Run loop
// subscribes to; HandleEvent can also be driven directly.
func NewWorker(registry *Registry, locker lock.Locker, pub events.Publisher, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		registry:      registry,
		locker:        locker,
		handler:       handler,
		pub:           pub,
		logger:        slog.Default(),
		eventLockTTL:  DefaultEventLockTTL,
		singletonTTL:  DefaultSingletonTTL,
		electionRetry: DefaultElectionRetry,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleEvent fires every trigger matching the event. It is a fault
// barrier: nothing raised inside one event's processing escapes. The
// return reports whether this worker owned the event's processing.
func (w *Worker) HandleEvent(ctx context.Context, ev events.Event) bool {
	matches, err := w.registry.FindMatching(ctx, ev)
	if err != nil {
		w.logger.Error("trigger matching failed", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		return false
	}
	if len(matches) == 0 {
		return false
	}

	// The lock is keyed by event id: at most one worker processes this
	// event no matter how many received the fan-out.
	lease, err := w.locker.Acquire(ctx, "event:"+ev.ID, w.eventLockTTL)
	if err == lock.ErrNotAcquired {
		w.logger.Debug("event already being processed elsewhere", "event_id", ev.ID)
		return false
	}
	if err != nil {
		w.logger.Error("event lock acquisition failed", "event_id", ev.ID, "error", err)
		return false
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil && rerr != lock.ErrNotHeld {
			w.logger.Warn("event lock release failed", "event_id", ev.ID, "error", rerr)
		}
	}()

	for _, reg := range matches {
		w.fire(ctx, ev, reg)
	}
	return true
}

// fire runs one trigger, containing panics and errors to this pair.
func (w *Worker) fire(ctx context.Context, ev events.Event, reg Registration) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("trigger handler panicked",
				"event_id", ev.ID, "task_id", reg.TaskID, "panic", fmt.Sprint(r))
		}
	}()
	if err := w.handler(ctx, ev, reg); err != nil {
		w.logger.Error("trigger handler failed",
			"event_id", ev.ID, "task_id", reg.TaskID, "event_type", ev.Type, "error", err)
		return
	}
	w.logger.Info("trigger fired", "event_id", ev.ID, "task_id", reg.TaskID, "event_type", ev.Type)
}

// Run elects this process as the singleton consumer and processes the
// event stream until the context ends. When the election lease is lost
// the worker drops back to standby and re-runs the election.
func (w *Worker) Run(ctx context.Context) error {
	for {
		lease, err := w.locker.Acquire(ctx, SingletonLockKey, w.singletonTTL)
		if err == lock.ErrNotAcquired {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.electionRetry):
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("trigger worker election: %w", err)
		}

		w.logger.Info("elected trigger worker singleton")
		err = w.consume(ctx, lease)
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil && rerr != lock.ErrNotHeld {
			w.logger.Warn("singleton lease release failed", "error", rerr)
		}
		if err != nil {
			return err
		}
		// Lease lost: stand by and rejoin the election.
		w.logger.Warn("lost trigger worker singleton lease, standing by")
	}
}

// consume processes events while the singleton lease holds. A nil
// return means the lease was lost; the context error means shutdown.
func (w *Worker) consume(ctx context.Context, lease *lock.Lease) error {
	hb := lock.NewHeartbeatRunner(lease, w.singletonTTL/3)
	hb.Start(ctx)
	defer hb.Stop()

	ch := w.pub.Subscribe(events.GlobalType)
	defer w.pub.Unsubscribe(events.GlobalType, ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hb.Lost:
			return nil
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("trigger worker event stream closed")
			}
			w.HandleEvent(ctx, ev)
		}
	}
}
