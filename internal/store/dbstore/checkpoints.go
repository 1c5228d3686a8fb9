package dbstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxtopus/fluxos/internal/checkpoint"
	"github.com/fluxtopus/fluxos/internal/errors"
)

// The checkpoints table keeps decision and deadline in columns for the
// sweeper query; everything else lives in the JSON payload.

// PutCheckpoint inserts a checkpoint state.
func (s *Store) PutCheckpoint(ctx context.Context, st *checkpoint.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", st.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO checkpoints (id, task_id, step_id, decision, payload, created_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		st.ID, st.TaskID, st.StepID, string(st.Decision), string(payload),
		encodeTime(st.CreatedAt), encodeTimePtr(st.ExpiresAt), encodeTimePtr(st.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", st.ID, err)
	}
	return nil
}

// GetCheckpoint loads one checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.State, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT payload FROM checkpoints WHERE id = ?`), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.CodeCheckpointNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return decodeCheckpoint(payload)
}

// GetCheckpointByStep returns the most recent checkpoint for a step.
func (s *Store) GetCheckpointByStep(ctx context.Context, taskID, stepID string) (*checkpoint.State, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT payload FROM checkpoints
		WHERE task_id = ? AND step_id = ?
		ORDER BY created_at DESC LIMIT 1`), taskID, stepID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.CodeCheckpointNotFound,
			"checkpoint for task %s step %s not found", taskID, stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for step %s: %w", stepID, err)
	}
	return decodeCheckpoint(payload)
}

// UpdateCheckpoint overwrites a checkpoint state.
func (s *Store) UpdateCheckpoint(ctx context.Context, st *checkpoint.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", st.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE checkpoints
		SET decision = ?, payload = ?, expires_at = ?, resolved_at = ?
		WHERE id = ?`),
		string(st.Decision), string(payload),
		encodeTimePtr(st.ExpiresAt), encodeTimePtr(st.ResolvedAt), st.ID)
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.CodeCheckpointNotFound, "checkpoint %s not found", st.ID)
	}
	return nil
}

// ListPendingDueCheckpoints returns pending checkpoints past their deadline.
func (s *Store) ListPendingDueCheckpoints(ctx context.Context, before time.Time) ([]*checkpoint.State, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT payload FROM checkpoints
		WHERE decision = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at`),
		string(checkpoint.DecisionPending), encodeTime(before))
	if err != nil {
		return nil, fmt.Errorf("list due checkpoints: %w", err)
	}
	defer rows.Close()

	var due []*checkpoint.State
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		st, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		due = append(due, st)
	}
	return due, rows.Err()
}

func decodeCheckpoint(payload string) (*checkpoint.State, error) {
	var st checkpoint.State
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &st, nil
}

// CheckpointStore adapts the database to the checkpoint.Store interface.
type CheckpointStore struct {
	db *Store
}

// Checkpoints returns a checkpoint.Store view of the database.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{db: s}
}

func (c *CheckpointStore) Put(ctx context.Context, st *checkpoint.State) error {
	return c.db.PutCheckpoint(ctx, st)
}

func (c *CheckpointStore) Get(ctx context.Context, id string) (*checkpoint.State, error) {
	return c.db.GetCheckpoint(ctx, id)
}

func (c *CheckpointStore) GetByStep(ctx context.Context, taskID, stepID string) (*checkpoint.State, error) {
	return c.db.GetCheckpointByStep(ctx, taskID, stepID)
}

func (c *CheckpointStore) Update(ctx context.Context, st *checkpoint.State) error {
	return c.db.UpdateCheckpoint(ctx, st)
}

func (c *CheckpointStore) ListPendingDue(ctx context.Context, before time.Time) ([]*checkpoint.State, error) {
	return c.db.ListPendingDueCheckpoints(ctx, before)
}
