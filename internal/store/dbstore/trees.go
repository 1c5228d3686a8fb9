package dbstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// GetTree loads a tree snapshot.
func (s *Store) GetTree(ctx context.Context, taskID string) (*tree.Tree, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT payload FROM trees WHERE task_id = ?`), taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeTreeNotFound,
			fmt.Sprintf("tree for task %s not found", taskID))
	}
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", taskID, err)
	}

	var tr tree.Tree
	if err := json.Unmarshal([]byte(payload), &tr); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", taskID, err)
	}
	return &tr, nil
}

// SaveTree upserts a tree snapshot.
func (s *Store) SaveTree(ctx context.Context, tr *tree.Tree) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode tree %s: %w", tr.TaskID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO trees (task_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET payload = excluded.payload,
		                                    updated_at = excluded.updated_at`),
		tr.TaskID, string(payload), encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save tree %s: %w", tr.TaskID, err)
	}
	return nil
}

// AppendEventLog records a published event for audit.
func (s *Store) AppendEventLog(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO event_log (id, event_type, source, task_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ev.ID, string(ev.Type), ev.Source, ev.TaskID(), string(payload),
		encodeTime(ev.Time))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

// EventLogCount returns the number of logged events for a task.
func (s *Store) EventLogCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM event_log WHERE task_id = ?`), taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events for task %s: %w", taskID, err)
	}
	return n, nil
}
