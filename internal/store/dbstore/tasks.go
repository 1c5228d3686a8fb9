package dbstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/task"
)

// GetTask loads the authoritative task record.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, goal, user_id, organization_id, status, steps, metadata,
		       created_at, updated_at, completed_at
		FROM tasks WHERE id = ?`), id)

	var (
		t           task.Task
		steps, meta string
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.Goal, &t.UserID, &t.OrganizationID, &t.Status,
		&steps, &meta, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeTaskNotFound,
			fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for task %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for task %s: %w", id, err)
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at for task %s: %w", id, err)
	}
	if t.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at for task %s: %w", id, err)
	}
	if t.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("decode completed_at for task %s: %w", id, err)
	}
	return &t, nil
}

// CreateTask inserts a new task record.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	steps, meta, err := encodeTaskFields(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (id, goal, user_id, organization_id, status, steps,
		                   metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Goal, t.UserID, t.OrganizationID, string(t.Status), steps,
		meta, encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt),
		encodeTimePtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask rewrites an existing task record.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	steps, meta, err := encodeTaskFields(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks
		SET goal = ?, user_id = ?, organization_id = ?, status = ?,
		    steps = ?, metadata = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`),
		t.Goal, t.UserID, t.OrganizationID, string(t.Status), steps, meta,
		encodeTime(t.UpdatedAt), encodeTimePtr(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.New(errors.CodeTaskNotFound,
			fmt.Sprintf("task %s not found", t.ID))
	}
	return nil
}

func encodeTaskFields(t *task.Task) (steps, meta string, err error) {
	stepsB, err := json.Marshal(t.Steps)
	if err != nil {
		return "", "", fmt.Errorf("encode steps for task %s: %w", t.ID, err)
	}
	m := t.Metadata
	if m == nil {
		m = map[string]any{}
	}
	metaB, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata for task %s: %w", t.ID, err)
	}
	if t.Steps == nil {
		stepsB = []byte("[]")
	}
	return string(stepsB), string(metaB), nil
}
