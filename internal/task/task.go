// Package task provides the durable task and step model for the engine.
//
// Task/TaskStep is the API-facing, persisted representation of a unit of
// work. The runtime scheduling representation lives in the tree package;
// the mapping package is the only code allowed to translate between the
// two.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPlanning   Status = "planning"
	StatusReady      Status = "ready"
	StatusExecuting  Status = "executing"
	StatusCheckpoint Status = "checkpoint"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// ValidStatuses returns all valid task status values.
func ValidStatuses() []Status {
	return []Status{
		StatusPlanning, StatusReady, StatusExecuting, StatusCheckpoint,
		StatusPaused, StatusCompleted, StatusFailed, StatusCancelled,
		StatusTimeout,
	}
}

// IsValidStatus returns true if the status is a valid task status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPlanning, StatusReady, StatusExecuting, StatusCheckpoint,
		StatusPaused, StatusCompleted, StatusFailed, StatusCancelled,
		StatusTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is a terminal task state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Metadata keys carried on Task.Metadata.
const (
	MetaTrigger      = "trigger"
	MetaAutomationID = "automation_id"
	MetaFastPath     = "fast_path"
	MetaParentTaskID = "parent_task_id"
)

// Task is the durable representation of one submitted goal.
type Task struct {
	ID             string         `json:"id" yaml:"id"`
	Goal           string         `json:"goal" yaml:"goal"`
	UserID         string         `json:"user_id" yaml:"user_id"`
	OrganizationID string         `json:"organization_id" yaml:"organization_id"`
	Status         Status         `json:"status" yaml:"status"`
	Steps          []*Step        `json:"steps" yaml:"steps"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// New creates a task in planning status with a generated id.
func New(goal, userID, orgID string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.NewString(),
		Goal:           goal,
		UserID:         userID,
		OrganizationID: orgID,
		Status:         StatusPlanning,
		Metadata:       make(map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Step returns the step with the given id, if present.
func (t *Task) Step(id string) (*Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// StepsCompleted returns the number of steps in a done state.
func (t *Task) StepsCompleted() int {
	n := 0
	for _, s := range t.Steps {
		if s.Status == StepDone {
			n++
		}
	}
	return n
}

// MarkCompleted transitions the task to a terminal status with a
// completion timestamp. The caller persists the change.
func (t *Task) MarkCompleted(status Status) {
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	t.UpdatedAt = now
}
