// Package checkpoint implements the human-in-the-loop approval state
// machine: a step suspends on a checkpoint, a human resolves it, and the
// owning node resumes or fails.
package checkpoint

import (
	"time"

	"github.com/google/uuid"

	"github.com/fluxtopus/fluxos/internal/task"
)

// Decision represents the resolution state of a checkpoint.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionModified Decision = "modified"
	// DecisionExpired is terminal like rejected, but time-based;
	// consumers must be able to tell the two apart.
	DecisionExpired Decision = "expired"
)

// IsTerminal returns true once a checkpoint can no longer change.
func (d Decision) IsTerminal() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionModified, DecisionExpired:
		return true
	default:
		return false
	}
}

// State is one checkpoint awaiting (or past) human resolution.
type State struct {
	ID          string              `json:"id"`
	TaskID      string              `json:"task_id"`
	StepID      string              `json:"step_id"`
	Name        string              `json:"checkpoint_name"`
	Description string              `json:"description,omitempty"`
	Decision    Decision            `json:"decision"`
	Type        task.CheckpointType `json:"checkpoint_type"`

	PreviewData map[string]any `json:"preview_data,omitempty"`

	// Type-specific config copied from the step's checkpoint config.
	Questions    []string       `json:"questions,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`

	// Captured on resolution.
	ResponseNote string         `json:"response_note,omitempty"`
	ResponseData map[string]any `json:"response_data,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewState builds a pending checkpoint from a step's config.
func NewState(taskID, stepID string, cfg *task.CheckpointConfig, preview map[string]any) *State {
	now := time.Now().UTC()
	st := &State{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		StepID:      stepID,
		Decision:    DecisionPending,
		PreviewData: preview,
		CreatedAt:   now,
	}
	if cfg != nil {
		st.Name = cfg.Name
		st.Description = cfg.Description
		st.Type = cfg.Type
		st.Questions = append([]string(nil), cfg.Questions...)
		st.Alternatives = append([]string(nil), cfg.Alternatives...)
		st.InputSchema = cfg.InputSchema
		if cfg.TimeoutSeconds > 0 {
			exp := now.Add(time.Duration(cfg.TimeoutSeconds) * time.Second)
			st.ExpiresAt = &exp
		}
	}
	if st.Type == "" {
		st.Type = task.CheckpointApproval
	}
	return st
}

// Expired reports whether the checkpoint's deadline has passed.
func (s *State) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
