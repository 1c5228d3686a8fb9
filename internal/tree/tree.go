package tree

import (
	"fmt"
	"time"

	"github.com/fluxtopus/fluxos/internal/errors"
)

// Type classifies what a tree executes.
const (
	TypeTask     = "task"
	TypeWorkflow = "workflow"
)

// Tree is the DAG of execution nodes for one task.
//
// Tree is not safe for concurrent use; cross-process coordination happens
// through the store layer, and each scheduling pass works on its own
// snapshot.
type Tree struct {
	TaskID string           `json:"task_id"`
	Type   string           `json:"type"`
	Nodes  map[string]*Node `json:"nodes"`
}

// allowedTransitions is the node state machine. Terminal states have no
// outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusWaiting},
	StatusWaiting: {StatusPending, StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimeout, StatusPaused, StatusExpanded, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// New creates a tree containing only the root node. The root is created
// completed so that nodes depending solely on it form the first frontier.
func New(taskID, treeType string) *Tree {
	if treeType == "" {
		treeType = TypeTask
	}
	root := &Node{
		ID:     RootID,
		Name:   RootID,
		Type:   NodeRoot,
		Status: StatusCompleted,
	}
	return &Tree{
		TaskID: taskID,
		Type:   treeType,
		Nodes:  map[string]*Node{RootID: root},
	}
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.Nodes[RootID]
}

// Node returns the node with the given id, if present.
func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// AddNode inserts a node under parentID. A node that declares no explicit
// dependencies is given an implicit dependency on its parent.
func (t *Tree) AddNode(n *Node, parentID string) error {
	if n.ID == "" {
		return errors.New(errors.CodeNodeNotFound, "node id must not be empty")
	}
	if _, exists := t.Nodes[n.ID]; exists {
		return errors.Newf(errors.CodeNodeExists, "node %s already exists", n.ID).
			WithWhy("node ids must be unique within a tree")
	}
	if parentID == "" {
		parentID = RootID
	}
	if _, ok := t.Nodes[parentID]; !ok {
		return errors.New(errors.CodeNodeNotFound,
			fmt.Sprintf("parent node %s not found", parentID))
	}
	for _, dep := range n.Dependencies {
		if _, ok := t.Nodes[dep]; !ok {
			return errors.New(errors.CodeNodeNotFound,
				fmt.Sprintf("dependency node %s not found", dep))
		}
	}

	n.ParentID = parentID
	if len(n.Dependencies) == 0 {
		n.Dependencies = []string{parentID}
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	t.Nodes[n.ID] = n
	return nil
}

// UpdateStatus is the only mutator of node status. It validates the state
// machine transition and, for transitions into running, the dependency
// invariant. Violations are programming errors and fail fast.
func (t *Tree) UpdateStatus(nodeID string, status Status, resultData, errorData map[string]any) error {
	n, ok := t.Nodes[nodeID]
	if !ok {
		return errors.New(errors.CodeNodeNotFound,
			fmt.Sprintf("node %s not found in tree %s", nodeID, t.TaskID))
	}
	if !IsValidStatus(status) {
		return errors.New(errors.CodeInvalidTransition,
			fmt.Sprintf("unknown status %q", status))
	}
	if !transitionAllowed(n.Status, status) {
		return errors.Newf(errors.CodeInvalidTransition, "node %s cannot move from %s to %s", nodeID, n.Status, status).
			WithWhy("transition not permitted by the node state machine")
	}
	if status == StatusRunning {
		if unmet := t.unmetDependencies(n); len(unmet) > 0 {
			return errors.Newf(errors.CodeDependencyViolation, "node %s cannot run with unmet dependencies %v", nodeID, unmet).
				WithWhy("a node is never running while any dependency is incomplete")
		}
	}

	now := time.Now().UTC()
	if status == StatusRunning && n.StartedAt == nil {
		n.StartedAt = &now
	}
	if status.IsTerminal() {
		n.EndedAt = &now
	}
	n.Status = status
	if resultData != nil {
		n.ResultData = resultData
	}
	if errorData != nil {
		n.ErrorData = errorData
	}
	return nil
}

func transitionAllowed(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// unmetDependencies returns dependency ids not yet completed.
func (t *Tree) unmetDependencies(n *Node) []string {
	var unmet []string
	for _, dep := range n.Dependencies {
		d, ok := t.Nodes[dep]
		if !ok || !d.Status.Succeeded() {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// ReadyNodes returns non-root pending nodes whose every dependency is
// completed. Order is unspecified; the caller treats the set as
// schedulable concurrently.
func (t *Tree) ReadyNodes() []*Node {
	var ready []*Node
	for _, n := range t.Nodes {
		if n.ID == RootID || n.Status != StatusPending {
			continue
		}
		if len(t.unmetDependencies(n)) == 0 {
			ready = append(ready, n)
		}
	}
	return ready
}

// Metrics summarizes node counts by status, so task completion can be
// decided without re-walking the graph at every call site.
type Metrics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Count returns the number of non-root nodes in the given status.
func (m Metrics) Count(s Status) int {
	return m.ByStatus[s]
}

// Metrics computes status counts over all non-root nodes.
func (t *Tree) Metrics() Metrics {
	m := Metrics{ByStatus: make(map[Status]int)}
	for _, n := range t.Nodes {
		if n.ID == RootID {
			continue
		}
		m.Total++
		m.ByStatus[n.Status]++
	}
	return m
}

// Finished reports whether no viable work remains: nothing is running,
// paused, or waiting, and every pending node has lost its path to
// completion through a failed, cancelled, or timed-out dependency.
func (t *Tree) Finished() bool {
	viable := make(map[string]int) // 0 unknown, 1 viable, 2 dead
	for _, n := range t.Nodes {
		if n.ID == RootID {
			continue
		}
		switch n.Status {
		case StatusRunning, StatusPaused, StatusWaiting:
			return false
		case StatusPending:
			if t.viable(n, viable) {
				return false
			}
		}
	}
	return true
}

// viable reports whether a pending node can still reach completion.
func (t *Tree) viable(n *Node, memo map[string]int) bool {
	switch memo[n.ID] {
	case 1:
		return true
	case 2:
		return false
	}
	// Guard against dependency cycles: mark dead while visiting.
	memo[n.ID] = 2
	result := true
	for _, dep := range n.Dependencies {
		d, ok := t.Nodes[dep]
		if !ok {
			result = false
			break
		}
		switch d.Status {
		case StatusFailed, StatusCancelled, StatusTimeout:
			result = false
		case StatusPending, StatusWaiting:
			if !t.viable(d, memo) {
				result = false
			}
		}
		if !result {
			break
		}
	}
	if result {
		memo[n.ID] = 1
	}
	return result
}

// FinalStatus returns the terminal outcome of a finished tree: failed when
// any node failed or timed out, completed otherwise.
func (t *Tree) FinalStatus() Status {
	for _, n := range t.Nodes {
		if n.ID == RootID {
			continue
		}
		if n.Status == StatusFailed || n.Status == StatusTimeout {
			return StatusFailed
		}
	}
	return StatusCompleted
}

// NodeErrors collects (node id, message) pairs for failed nodes, used to
// build completion event digests.
func (t *Tree) NodeErrors() []NodeError {
	var out []NodeError
	for _, n := range t.Nodes {
		if n.Status != StatusFailed && n.Status != StatusTimeout {
			continue
		}
		msg := ""
		if n.ErrorData != nil {
			msg, _ = n.ErrorData["message"].(string)
		}
		out = append(out, NodeError{NodeID: n.ID, Message: msg})
	}
	return out
}

// NodeError pairs a failed node with its recorded error message.
type NodeError struct {
	NodeID  string `json:"node_id"`
	Message string `json:"message,omitempty"`
}
