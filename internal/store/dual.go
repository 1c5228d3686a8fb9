package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// DefaultMarkerTTL bounds the scheduling idempotency marker lifetime. A
// crashed worker's markers expire on their own, so a task can always be
// rescheduled eventually.
const DefaultMarkerTTL = 6 * time.Hour

// Dual composes the fast and durable stores and enforces the dual-store
// consistency discipline: durable writes are authoritative, fast-side
// failures degrade to warnings, and fast-side misses fall back to the
// durable store with a write-back to the stale side.
type Dual struct {
	fast    FastStore
	durable DurableStore
	logger  *slog.Logger
}

// DualOption configures a Dual store.
type DualOption func(*Dual)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) DualOption {
	return func(d *Dual) {
		d.logger = logger
	}
}

// NewDual creates a dual store over a fast and a durable backend.
func NewDual(fast FastStore, durable DurableStore, opts ...DualOption) *Dual {
	d := &Dual{fast: fast, durable: durable, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fast exposes the fast side for coordination-only operations.
func (d *Dual) Fast() FastStore {
	return d.fast
}

// Durable exposes the durable side.
func (d *Dual) Durable() DurableStore {
	return d.durable
}

// GetTask reads the fast store first and falls back to the durable store,
// writing the record back to the fast side when it was stale.
func (d *Dual) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := d.fast.GetTask(ctx, id)
	if err == nil {
		return t, nil
	}
	if !IsNotFound(err) {
		d.logger.Warn("fast store read failed, falling back", "task", id, "error", err)
	}

	t, err = d.durable.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if werr := d.fast.UpdateTask(ctx, t); werr != nil {
		d.logger.Warn("fast store write-back failed", "task", id, "error", werr)
	}
	return t, nil
}

// CreateTask writes the durable record first, then the fast copy.
func (d *Dual) CreateTask(ctx context.Context, t *task.Task) error {
	if err := d.durable.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	if err := d.fast.CreateTask(ctx, t); err != nil {
		d.logger.Warn("fast store create failed", "task", t.ID, "error", err)
	}
	return nil
}

// UpdateTask writes through to both stores.
func (d *Dual) UpdateTask(ctx context.Context, t *task.Task) error {
	if err := d.durable.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if err := d.fast.UpdateTask(ctx, t); err != nil {
		d.logger.Warn("fast store update failed", "task", t.ID, "error", err)
	}
	return nil
}

// GetTree reads the fast store first with durable fallback and
// write-back, mirroring GetTask.
func (d *Dual) GetTree(ctx context.Context, taskID string) (*tree.Tree, error) {
	tr, err := d.fast.GetTree(ctx, taskID)
	if err == nil {
		return tr, nil
	}
	if !IsNotFound(err) {
		d.logger.Warn("fast store tree read failed, falling back", "task", taskID, "error", err)
	}

	tr, err = d.durable.GetTree(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if werr := d.fast.SaveTree(ctx, tr); werr != nil {
		d.logger.Warn("fast store tree write-back failed", "task", taskID, "error", werr)
	}
	return tr, nil
}

// SaveTree writes through to both stores.
func (d *Dual) SaveTree(ctx context.Context, tr *tree.Tree) error {
	if err := d.durable.SaveTree(ctx, tr); err != nil {
		return fmt.Errorf("save tree %s: %w", tr.TaskID, err)
	}
	if err := d.fast.SaveTree(ctx, tr); err != nil {
		d.logger.Warn("fast store tree save failed", "task", tr.TaskID, "error", err)
	}
	return nil
}

// AddNode inserts a node into a task's tree and persists the snapshot.
func (d *Dual) AddNode(ctx context.Context, taskID string, n *tree.Node, parentID string) error {
	tr, err := d.GetTree(ctx, taskID)
	if err != nil {
		return err
	}
	if err := tr.AddNode(n, parentID); err != nil {
		return err
	}
	return d.SaveTree(ctx, tr)
}

// UpdateNodeStatus applies the sole node-status mutation contract against
// the stored tree and persists the result to both sides. The updated tree
// is returned so callers can inspect the frontier without re-reading.
func (d *Dual) UpdateNodeStatus(ctx context.Context, taskID, nodeID string, status tree.Status, resultData, errorData map[string]any) (*tree.Tree, error) {
	tr, err := d.GetTree(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := tr.UpdateStatus(nodeID, status, resultData, errorData); err != nil {
		return nil, err
	}
	if err := d.SaveTree(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// GetReadyNodes computes the ready frontier of a task's tree.
func (d *Dual) GetReadyNodes(ctx context.Context, taskID string) ([]*tree.Node, error) {
	tr, err := d.GetTree(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return tr.ReadyNodes(), nil
}

// GetTreeMetrics returns status counts for a task's tree.
func (d *Dual) GetTreeMetrics(ctx context.Context, taskID string) (tree.Metrics, error) {
	tr, err := d.GetTree(ctx, taskID)
	if err != nil {
		return tree.Metrics{}, err
	}
	return tr.Metrics(), nil
}

// MarkScheduled test-and-sets the per-node idempotency marker.
func (d *Dual) MarkScheduled(ctx context.Context, taskID, nodeID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return d.fast.MarkScheduled(ctx, taskID, nodeID, ttl)
}

// ClearScheduled removes the per-node idempotency marker.
func (d *Dual) ClearScheduled(ctx context.Context, taskID, nodeID string) error {
	return d.fast.ClearScheduled(ctx, taskID, nodeID)
}

// MarkFinalized test-and-sets the per-task finalization marker.
func (d *Dual) MarkFinalized(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return d.fast.MarkFinalized(ctx, taskID, ttl)
}

// ClearFinalized releases the finalization marker.
func (d *Dual) ClearFinalized(ctx context.Context, taskID string) error {
	return d.fast.ClearFinalized(ctx, taskID)
}

// PauseTask sets the cooperative pause flag and mirrors the paused status
// onto the durable record.
func (d *Dual) PauseTask(ctx context.Context, taskID string) error {
	if err := d.fast.SetPaused(ctx, taskID, true); err != nil {
		return fmt.Errorf("set pause flag %s: %w", taskID, err)
	}
	t, err := d.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Status = task.StatusPaused
	t.UpdatedAt = time.Now().UTC()
	return d.UpdateTask(ctx, t)
}

// ResumeTask clears the pause flag and moves the task back to executing.
func (d *Dual) ResumeTask(ctx context.Context, taskID string) error {
	if err := d.fast.SetPaused(ctx, taskID, false); err != nil {
		return fmt.Errorf("clear pause flag %s: %w", taskID, err)
	}
	t, err := d.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Status = task.StatusExecuting
	t.UpdatedAt = time.Now().UTC()
	return d.UpdateTask(ctx, t)
}

// IsPaused reports the cooperative pause flag, falling back to the task
// record's status when the flag read fails.
func (d *Dual) IsPaused(ctx context.Context, taskID string) (bool, error) {
	paused, err := d.fast.IsPaused(ctx, taskID)
	if err == nil {
		return paused, nil
	}
	d.logger.Warn("pause flag read failed, using task status", "task", taskID, "error", err)
	t, terr := d.GetTask(ctx, taskID)
	if terr != nil {
		return false, terr
	}
	return t.Status == task.StatusPaused, nil
}

// AppendEventLog records a published event on the durable side.
func (d *Dual) AppendEventLog(ctx context.Context, ev events.Event) error {
	return d.durable.AppendEventLog(ctx, ev)
}
