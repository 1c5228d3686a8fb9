package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxtopus/fluxos/internal/errors"
)

// Store persists checkpoint states. The durable database is the
// authoritative backend; MemoryStore exists for tests and single-process
// deployments.
type Store interface {
	Put(ctx context.Context, st *State) error
	Get(ctx context.Context, id string) (*State, error)
	GetByStep(ctx context.Context, taskID, stepID string) (*State, error)
	Update(ctx context.Context, st *State) error
	// ListPendingDue returns pending checkpoints whose deadline is at or
	// before the given time.
	ListPendingDue(ctx context.Context, before time.Time) ([]*State, error)
}

// MemoryStore is an in-memory Store guarded by a mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStore returns an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (m *MemoryStore) Put(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.states[st.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil, errors.Newf(errors.CodeCheckpointNotFound, "checkpoint %s", id)
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) GetByStep(_ context.Context, taskID, stepID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *State
	for _, st := range m.states {
		if st.TaskID != taskID || st.StepID != stepID {
			continue
		}
		if found == nil || st.CreatedAt.After(found.CreatedAt) {
			found = st
		}
	}
	if found == nil {
		return nil, errors.Newf(errors.CodeCheckpointNotFound, "checkpoint for task %s step %s", taskID, stepID)
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.ID]; !ok {
		return errors.Newf(errors.CodeCheckpointNotFound, "checkpoint %s", st.ID)
	}
	cp := *st
	m.states[st.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPendingDue(_ context.Context, before time.Time) ([]*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*State
	for _, st := range m.states {
		if st.Decision != DecisionPending || st.ExpiresAt == nil {
			continue
		}
		if !st.ExpiresAt.After(before) {
			cp := *st
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	return due, nil
}
