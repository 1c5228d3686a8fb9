// Package tree provides the execution tree: the DAG of nodes backing one
// task's runtime scheduling state.
//
// The tree is the scheduling source of truth while a task executes. It is
// a pure data model; persistence lives in the store package and
// translation to the durable step model lives in the mapping package.
package tree

import "time"

// Status represents the execution state of a node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
	StatusWaiting   Status = "waiting"
	StatusPaused    Status = "paused"
	// StatusExpanded marks a node that finished by being replaced with
	// sub-nodes rather than producing a result itself.
	StatusExpanded Status = "expanded"
)

// ValidStatuses returns all valid node status values.
func ValidStatuses() []Status {
	return []Status{
		StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusCancelled, StatusTimeout, StatusWaiting, StatusPaused,
		StatusExpanded,
	}
}

// IsValidStatus returns true if the status is a valid node status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusCancelled, StatusTimeout, StatusWaiting, StatusPaused,
		StatusExpanded:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states a node can never leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusExpanded:
		return true
	default:
		return false
	}
}

// Succeeded returns true for terminal states that satisfy dependents.
func (s Status) Succeeded() bool {
	return s == StatusCompleted
}

// NodeType classifies what kind of executor a node represents.
type NodeType string

const (
	NodeRoot     NodeType = "root"
	NodeAgent    NodeType = "agent"
	NodeSubAgent NodeType = "sub_agent"
)

// RootID is the sentinel id of the implicit root node.
const RootID = "root"

// Metadata keys carried on Node.Metadata.
const (
	MetaAgentType        = "agent_type"
	MetaDomain           = "domain"
	MetaDescription      = "description"
	MetaCheckpointConfig = "checkpoint_config"
	MetaFallbackConfig   = "fallback_config"
	MetaParallelGroup    = "parallel_group"
	MetaIsCritical       = "is_critical"
	MetaFailurePolicy    = "failure_policy"
)

// Node is one step of execution inside a tree.
type Node struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Type   NodeType `json:"node_type"`
	Status Status   `json:"status"`

	// ParentID is empty only for the root node.
	ParentID string `json:"parent_id,omitempty"`

	// Dependencies lists node ids that must be completed before this
	// node is ready.
	Dependencies []string `json:"dependencies,omitempty"`

	TaskData   map[string]any `json:"task_data,omitempty"`
	ResultData map[string]any `json:"result_data,omitempty"`
	ErrorData  map[string]any `json:"error_data,omitempty"`

	RetryCount int `json:"retry_count,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns the elapsed execution time, or zero when unknown.
func (n *Node) Duration() time.Duration {
	if n.StartedAt == nil || n.EndedAt == nil {
		return 0
	}
	return n.EndedAt.Sub(*n.StartedAt)
}

// DependsOn reports whether id appears in the node's dependency set.
func (n *Node) DependsOn(id string) bool {
	for _, dep := range n.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// MetaString returns a string metadata value, or "" when absent.
func (n *Node) MetaString(key string) string {
	if n.Metadata == nil {
		return ""
	}
	s, _ := n.Metadata[key].(string)
	return s
}

// MetaBool returns a bool metadata value, or false when absent.
func (n *Node) MetaBool(key string) bool {
	if n.Metadata == nil {
		return false
	}
	b, _ := n.Metadata[key].(bool)
	return b
}

// MetaMap returns a map metadata value, or nil when absent.
func (n *Node) MetaMap(key string) map[string]any {
	if n.Metadata == nil {
		return nil
	}
	m, _ := n.Metadata[key].(map[string]any)
	return m
}
