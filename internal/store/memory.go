package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// Memory is an in-memory DurableStore. It exists for tests and for
// running the engine without a database; records are copied through JSON
// so callers never share memory with the store.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string][]byte
	trees  map[string][]byte
	events []events.Event
}

// NewMemory returns an empty in-memory durable store.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string][]byte),
		trees: make(map[string][]byte),
	}
}

var _ DurableStore = (*Memory)(nil)

func (m *Memory) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.tasks[id]
	if !ok {
		return nil, errors.Newf(errors.CodeTaskNotFound, "task %s not found", id)
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (m *Memory) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	m.tasks[t.ID] = raw
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return errors.Newf(errors.CodeTaskNotFound, "task %s not found", t.ID)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	m.tasks[t.ID] = raw
	return nil
}

func (m *Memory) GetTree(_ context.Context, taskID string) (*tree.Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.trees[taskID]
	if !ok {
		return nil, errors.Newf(errors.CodeTreeNotFound, "tree for task %s not found", taskID)
	}
	var tr tree.Tree
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", taskID, err)
	}
	return &tr, nil
}

func (m *Memory) SaveTree(_ context.Context, tr *tree.Tree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode tree %s: %w", tr.TaskID, err)
	}
	m.trees[tr.TaskID] = raw
	return nil
}

func (m *Memory) AppendEventLog(_ context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// EventLog returns a copy of the appended events, for tests.
func (m *Memory) EventLog() []events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]events.Event(nil), m.events...)
}
