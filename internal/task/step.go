package task

import "time"

// StepStatus represents the current state of a task step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
	StepCheckpoint StepStatus = "checkpoint"
	StepSkipped    StepStatus = "skipped"
)

// ValidStepStatuses returns all valid step status values.
func ValidStepStatuses() []StepStatus {
	return []StepStatus{
		StepPending, StepRunning, StepDone, StepFailed, StepCheckpoint,
		StepSkipped,
	}
}

// IsValidStepStatus returns true if the status is a valid step status value.
func IsValidStepStatus(s StepStatus) bool {
	switch s {
	case StepPending, StepRunning, StepDone, StepFailed, StepCheckpoint, StepSkipped:
		return true
	default:
		return false
	}
}

// FailurePolicy controls how a step failure affects the rest of the task.
type FailurePolicy string

const (
	// FailureAllOrNothing fails the whole task when the step fails.
	FailureAllOrNothing FailurePolicy = "all_or_nothing"
	// FailureContinue lets independent branches keep executing.
	FailureContinue FailurePolicy = "continue"
)

// Step is one unit of work inside a task.
type Step struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	AgentType   string `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	Domain      string `json:"domain,omitempty" yaml:"domain,omitempty"`

	Inputs  map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Dependencies lists step ids that must be done before this step.
	// The implicit "root" dependency is never stored here.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	Status        StepStatus    `json:"status" yaml:"status"`
	ParallelGroup string        `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`

	CheckpointRequired bool              `json:"checkpoint_required,omitempty" yaml:"checkpoint_required,omitempty"`
	Checkpoint         *CheckpointConfig `json:"checkpoint_config,omitempty" yaml:"checkpoint_config,omitempty"`
	Fallback           *FallbackConfig   `json:"fallback_config,omitempty" yaml:"fallback_config,omitempty"`

	IsCritical   bool   `json:"is_critical,omitempty" yaml:"is_critical,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" yaml:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Duration returns the elapsed execution time, or zero when unknown.
func (s *Step) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
