package lock

import (
	"context"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is the default interval for lease refreshes.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatRunner keeps a lease alive by refreshing it periodically.
// Used by the singleton trigger worker to hold its election lock; if the
// process dies, refreshes stop and the lock expires on its own.
type HeartbeatRunner struct {
	lease    *Lease
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// Lost is closed when a refresh discovers the lease is no longer
	// held, signalling the owner to stand down.
	Lost chan struct{}

	lostOnce sync.Once
}

// NewHeartbeatRunner creates a heartbeat runner for a held lease.
func NewHeartbeatRunner(lease *Lease, interval time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		lease:    lease,
		interval: interval,
		stopCh:   make(chan struct{}),
		Lost:     make(chan struct{}),
	}
}

// Start begins the refresh loop in a goroutine.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				if err := h.lease.Refresh(ctx); err != nil {
					if err == ErrNotHeld || ctx.Err() != nil {
						h.lostOnce.Do(func() { close(h.Lost) })
						return
					}
					// Transient refresh errors are tolerated; the lock
					// expires on its own if they persist.
				}
			}
		}
	}()
}

// Stop stops the refresh loop and waits for it to finish.
func (h *HeartbeatRunner) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}
