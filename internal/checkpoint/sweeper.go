package checkpoint

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper looks for overdue
// checkpoints.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically expires overdue checkpoints and hands the
// affected tasks to a reschedule callback.
type Sweeper struct {
	manager    *Manager
	interval   time.Duration
	logger     *slog.Logger
	reschedule func(ctx context.Context, taskID string)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithReschedule sets the callback invoked for each task whose
// checkpoint expired, so the scheduler can advance or finalize it.
func WithReschedule(fn func(ctx context.Context, taskID string)) SweeperOption {
	return func(s *Sweeper) { s.reschedule = fn }
}

// WithSweeperLogger sets the sweeper's logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// NewSweeper creates a checkpoint expiry sweeper.
func NewSweeper(m *Manager, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		manager:  m,
		interval: DefaultSweepInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.manager.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("checkpoint sweep failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	s.logger.Info("expired checkpoints", "count", len(expired))
	if s.reschedule == nil {
		return
	}
	seen := make(map[string]bool, len(expired))
	for _, st := range expired {
		if seen[st.TaskID] {
			continue
		}
		seen[st.TaskID] = true
		s.reschedule(ctx, st.TaskID)
	}
}
