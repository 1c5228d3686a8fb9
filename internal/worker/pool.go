// Package worker runs the engine's background loops: a bounded pool for
// event-driven work and the consumer that turns step completion events
// into scheduler callbacks.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds concurrent event processing per process.
const DefaultPoolSize = 8

// Pool is a bounded goroutine pool. Submit blocks while the pool is
// full, applying backpressure to the event stream instead of spawning
// unbounded goroutines.
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewPool creates a pool with the given concurrency bound.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), logger: logger}
}

// Submit schedules fn on the pool, blocking for a slot. Panics inside
// fn are contained and logged.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.sem.Release(1)
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pool task panicked", "panic", fmt.Sprint(r))
			}
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every submitted task finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
