// Package mapping translates between the durable step model and the
// runtime execution tree.
//
// This package is the only code path permitted to construct one
// representation from the other. Both directions are pure functions with
// no I/O.
package mapping

import (
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// StepToNode builds an execution node from a step. A step with no
// explicit dependencies receives an implicit dependency on parentID
// (normally the root sentinel).
func StepToNode(s *task.Step, parentID string) *tree.Node {
	if parentID == "" {
		parentID = tree.RootID
	}

	deps := append([]string(nil), s.Dependencies...)
	if len(deps) == 0 {
		deps = []string{parentID}
	}

	meta := map[string]any{}
	if s.AgentType != "" {
		meta[tree.MetaAgentType] = s.AgentType
	}
	if s.Domain != "" {
		meta[tree.MetaDomain] = s.Domain
	}
	if s.Description != "" {
		meta[tree.MetaDescription] = s.Description
	}
	if s.ParallelGroup != "" {
		meta[tree.MetaParallelGroup] = s.ParallelGroup
	}
	if s.IsCritical {
		meta[tree.MetaIsCritical] = true
	}
	if s.FailurePolicy != "" {
		meta[tree.MetaFailurePolicy] = string(s.FailurePolicy)
	}
	if cfg := s.Checkpoint.ToMap(); cfg != nil {
		meta[tree.MetaCheckpointConfig] = cfg
	}
	if cfg := s.Fallback.ToMap(); cfg != nil {
		meta[tree.MetaFallbackConfig] = cfg
	}

	var errData map[string]any
	if s.ErrorMessage != "" {
		errData = map[string]any{"message": s.ErrorMessage}
	}

	return &tree.Node{
		ID:           s.ID,
		Name:         s.Name,
		Type:         tree.NodeAgent,
		Status:       StepStatusToNode(s.Status),
		ParentID:     parentID,
		Dependencies: deps,
		TaskData:     s.Inputs,
		ResultData:   s.Outputs,
		ErrorData:    errData,
		RetryCount:   s.RetryCount,
		MaxRetries:   s.MaxRetries,
		Metadata:     meta,
		StartedAt:    s.StartedAt,
		EndedAt:      s.CompletedAt,
	}
}

// NodeToStep rebuilds a step view of a node. The implicit root dependency
// is stripped so it never round-trips into the durable model.
func NodeToStep(n *tree.Node) *task.Step {
	var deps []string
	for _, dep := range n.Dependencies {
		if dep == tree.RootID {
			continue
		}
		deps = append(deps, dep)
	}

	errMsg := ""
	if n.ErrorData != nil {
		errMsg, _ = n.ErrorData["message"].(string)
	}

	return &task.Step{
		ID:            n.ID,
		Name:          n.Name,
		Description:   n.MetaString(tree.MetaDescription),
		AgentType:     n.MetaString(tree.MetaAgentType),
		Domain:        n.MetaString(tree.MetaDomain),
		Inputs:        n.TaskData,
		Outputs:       n.ResultData,
		Dependencies:  deps,
		Status:        NodeStatusToStep(n.Status),
		ParallelGroup: n.MetaString(tree.MetaParallelGroup),
		FailurePolicy: task.FailurePolicy(n.MetaString(tree.MetaFailurePolicy)),

		CheckpointRequired: n.MetaMap(tree.MetaCheckpointConfig) != nil,
		Checkpoint:         task.CheckpointConfigFromMap(n.MetaMap(tree.MetaCheckpointConfig)),
		Fallback:           task.FallbackConfigFromMap(n.MetaMap(tree.MetaFallbackConfig)),

		IsCritical:   n.MetaBool(tree.MetaIsCritical),
		RetryCount:   n.RetryCount,
		MaxRetries:   n.MaxRetries,
		ErrorMessage: errMsg,
		StartedAt:    n.StartedAt,
		CompletedAt:  n.EndedAt,
	}
}

// StepStatusToNode maps step status into the tree status space. The
// switch is exhaustive over the closed step enum; a new step status will
// not compile without a mapping.
func StepStatusToNode(s task.StepStatus) tree.Status {
	switch s {
	case task.StepPending:
		return tree.StatusPending
	case task.StepRunning:
		return tree.StatusRunning
	case task.StepDone:
		return tree.StatusCompleted
	case task.StepFailed:
		return tree.StatusFailed
	case task.StepCheckpoint:
		return tree.StatusPaused
	case task.StepSkipped:
		return tree.StatusCancelled
	default:
		return tree.StatusPending
	}
}

// NodeStatusToStep maps tree status into the narrower step status space.
// Timeout and expanded are deliberately one-way: the step model has no
// equivalent state, so timeout narrows to failed and expanded narrows to
// done. Waiting narrows to pending for the same reason.
func NodeStatusToStep(s tree.Status) task.StepStatus {
	switch s {
	case tree.StatusPending:
		return task.StepPending
	case tree.StatusRunning:
		return task.StepRunning
	case tree.StatusCompleted:
		return task.StepDone
	case tree.StatusFailed:
		return task.StepFailed
	case tree.StatusPaused:
		return task.StepCheckpoint
	case tree.StatusCancelled:
		return task.StepSkipped
	case tree.StatusTimeout:
		return task.StepFailed
	case tree.StatusExpanded:
		return task.StepDone
	case tree.StatusWaiting:
		return task.StepPending
	default:
		return task.StepPending
	}
}
