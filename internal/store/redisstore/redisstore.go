// Package redisstore implements the fast side of the dual store on
// Redis: live task copies, execution tree snapshots, scheduling markers,
// and the cooperative pause flag.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// DefaultPrefix namespaces all engine keys.
const DefaultPrefix = "fluxos:"

// DefaultEntryTTL bounds how long live task/tree copies stay cached. An
// expired entry is repopulated from the durable store on the next read.
const DefaultEntryTTL = 24 * time.Hour

// Store is the Redis-backed fast store.
type Store struct {
	client   redis.UniversalClient
	prefix   string
	entryTTL time.Duration
}

var _ store.FastStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithEntryTTL overrides the task/tree cache entry lifetime.
func WithEntryTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.entryTTL = ttl
	}
}

// New creates a fast store on the given Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		prefix:   DefaultPrefix,
		entryTTL: DefaultEntryTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *Store) treeKey(taskID string) string {
	return s.prefix + "tree:" + taskID
}

func (s *Store) schedKey(taskID, nodeID string) string {
	return s.prefix + "sched:" + taskID + ":" + nodeID
}

func (s *Store) pauseKey(taskID string) string {
	return s.prefix + "pause:" + taskID
}

func (s *Store) finalKey(taskID string) string {
	return s.prefix + "final:" + taskID
}

// GetTask loads a task copy.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	payload, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.New(errors.CodeTaskNotFound,
			fmt.Sprintf("task %s not in fast store", id))
	}
	if err != nil {
		return nil, fmt.Errorf("fast store get task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// CreateTask stores a task copy. Create and update are the same write on
// the fast side.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	return s.UpdateTask(ctx, t)
}

// UpdateTask stores a task copy with the entry TTL.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := s.client.Set(ctx, s.taskKey(t.ID), payload, s.entryTTL).Err(); err != nil {
		return fmt.Errorf("fast store set task %s: %w", t.ID, err)
	}
	return nil
}

// GetTree loads a tree snapshot.
func (s *Store) GetTree(ctx context.Context, taskID string) (*tree.Tree, error) {
	payload, err := s.client.Get(ctx, s.treeKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, errors.New(errors.CodeTreeNotFound,
			fmt.Sprintf("tree for task %s not in fast store", taskID))
	}
	if err != nil {
		return nil, fmt.Errorf("fast store get tree %s: %w", taskID, err)
	}
	var tr tree.Tree
	if err := json.Unmarshal(payload, &tr); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", taskID, err)
	}
	return &tr, nil
}

// SaveTree stores a tree snapshot with the entry TTL.
func (s *Store) SaveTree(ctx context.Context, tr *tree.Tree) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode tree %s: %w", tr.TaskID, err)
	}
	if err := s.client.Set(ctx, s.treeKey(tr.TaskID), payload, s.entryTTL).Err(); err != nil {
		return fmt.Errorf("fast store set tree %s: %w", tr.TaskID, err)
	}
	return nil
}

// MarkScheduled test-and-sets the per-node idempotency marker via SET NX
// with TTL. The atomicity of SET NX is what makes concurrent scheduling
// passes safe.
func (s *Store) MarkScheduled(ctx context.Context, taskID, nodeID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.schedKey(taskID, nodeID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark scheduled %s/%s: %w", taskID, nodeID, err)
	}
	return ok, nil
}

// ClearScheduled removes a node's idempotency marker.
func (s *Store) ClearScheduled(ctx context.Context, taskID, nodeID string) error {
	if err := s.client.Del(ctx, s.schedKey(taskID, nodeID)).Err(); err != nil {
		return fmt.Errorf("clear scheduled %s/%s: %w", taskID, nodeID, err)
	}
	return nil
}

// MarkFinalized test-and-sets the per-task finalization marker via SET
// NX with TTL, so concurrent passes observing a finished tree agree on a
// single finalizer.
func (s *Store) MarkFinalized(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.finalKey(taskID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark finalized %s: %w", taskID, err)
	}
	return ok, nil
}

// ClearFinalized removes the finalization marker.
func (s *Store) ClearFinalized(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.finalKey(taskID)).Err(); err != nil {
		return fmt.Errorf("clear finalized %s: %w", taskID, err)
	}
	return nil
}

// SetPaused sets or clears the cooperative pause flag.
func (s *Store) SetPaused(ctx context.Context, taskID string, paused bool) error {
	if paused {
		if err := s.client.Set(ctx, s.pauseKey(taskID), "1", 0).Err(); err != nil {
			return fmt.Errorf("set pause flag %s: %w", taskID, err)
		}
		return nil
	}
	if err := s.client.Del(ctx, s.pauseKey(taskID)).Err(); err != nil {
		return fmt.Errorf("clear pause flag %s: %w", taskID, err)
	}
	return nil
}

// IsPaused reads the cooperative pause flag.
func (s *Store) IsPaused(ctx context.Context, taskID string) (bool, error) {
	_, err := s.client.Get(ctx, s.pauseKey(taskID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag %s: %w", taskID, err)
	}
	return true, nil
}
