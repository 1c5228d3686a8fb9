// Package events provides event types and publishing infrastructure for
// the fluxos engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTaskCompleted indicates a task reached completed.
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed indicates a task reached failed.
	EventTaskFailed EventType = "task.failed"
	// EventTaskCheckpoint indicates a task suspended on a checkpoint.
	EventTaskCheckpoint EventType = "task.checkpoint"
	// EventTaskPaused indicates a cooperative pause took effect.
	EventTaskPaused EventType = "task.paused"

	// EventStepCompleted indicates an executor finished a step.
	EventStepCompleted EventType = "step.completed"
	// EventStepFailed indicates an executor failed a step.
	EventStepFailed EventType = "step.failed"
)

// MetaOrganizationID is the metadata key scoping an event to a tenant.
const MetaOrganizationID = "organization_id"

// Event is the unit carried by the event bus. External events (webhooks,
// schedules) and engine-published events share this shape.
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"event_type"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// New creates an event with a generated id and the current timestamp.
func New(eventType EventType, source string, data map[string]any) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		Source: source,
		Data:   data,
		Time:   time.Now().UTC(),
	}
}

// OrganizationID returns the tenant scope of the event, or "".
func (e Event) OrganizationID() string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[MetaOrganizationID].(string)
	return s
}

// TaskID returns the task id carried in the event data, or "".
func (e Event) TaskID() string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data["task_id"].(string)
	return s
}

// CompletionData is the payload of task.completed / task.failed events.
type CompletionData struct {
	TaskID         string   `json:"task_id"`
	StepsCompleted int      `json:"steps_completed"`
	FinalStatus    string   `json:"final_status"`
	Errors         []string `json:"errors,omitempty"`
}

// ToMap converts the payload for embedding in Event.Data.
func (c CompletionData) ToMap() map[string]any {
	m := map[string]any{
		"task_id":         c.TaskID,
		"steps_completed": c.StepsCompleted,
		"final_status":    c.FinalStatus,
	}
	if len(c.Errors) > 0 {
		m["errors"] = c.Errors
	}
	return m
}
