// Package store defines the persistence ports for the engine and the
// dual-store discipline that keeps the fast and durable sides consistent.
//
// The fast store (Redis) holds live execution trees and scheduling
// markers; the durable store (SQL) holds the authoritative task records.
// The engine always writes both and reads the fast store first.
package store

import (
	"context"
	"time"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// TaskStore persists durable task records.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, t *task.Task) error
	UpdateTask(ctx context.Context, t *task.Task) error
}

// TreeStore persists execution tree snapshots.
type TreeStore interface {
	GetTree(ctx context.Context, taskID string) (*tree.Tree, error)
	SaveTree(ctx context.Context, t *tree.Tree) error
}

// FastStore is the low-latency side of the dual store. It additionally
// owns the scheduling coordination state: per-node idempotency markers
// and the cooperative pause flag.
type FastStore interface {
	TaskStore
	TreeStore

	// MarkScheduled atomically test-and-sets the idempotency marker for
	// a node. Returns false when the node was already marked, meaning
	// another scheduling pass owns its dispatch.
	MarkScheduled(ctx context.Context, taskID, nodeID string, ttl time.Duration) (bool, error)
	// ClearScheduled removes a node's marker, allowing redispatch (used
	// on retry after checkpoint resolution).
	ClearScheduled(ctx context.Context, taskID, nodeID string) error

	// MarkFinalized atomically test-and-sets the finalization marker for
	// a task. Returns false when another pass already claimed
	// finalization.
	MarkFinalized(ctx context.Context, taskID string, ttl time.Duration) (bool, error)
	// ClearFinalized releases the finalization marker so a failed
	// finalize attempt can be retried.
	ClearFinalized(ctx context.Context, taskID string) error

	// SetPaused sets or clears the cooperative pause flag for a task.
	SetPaused(ctx context.Context, taskID string, paused bool) error
	// IsPaused reads the pause flag.
	IsPaused(ctx context.Context, taskID string) (bool, error)
}

// DurableStore is the authoritative side of the dual store.
type DurableStore interface {
	TaskStore
	TreeStore

	// AppendEventLog records a published event for audit.
	AppendEventLog(ctx context.Context, ev events.Event) error
}

// IsNotFound reports whether err indicates a missing task or tree.
func IsNotFound(err error) bool {
	return errors.HasCode(err, errors.CodeTaskNotFound) ||
		errors.HasCode(err, errors.CodeTreeNotFound)
}
