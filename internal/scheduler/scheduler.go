// Package scheduler advances execution trees: it dispatches the ready
// frontier, reacts to step completions and failures, and finalizes tasks
// whose trees can make no further progress.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxtopus/fluxos/internal/checkpoint"
	"github.com/fluxtopus/fluxos/internal/dispatch"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/mapping"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// errorDigestLimit caps how many node errors a completion event carries.
const errorDigestLimit = 3

// Suspender suspends a node on its checkpoint. Satisfied by
// *checkpoint.Manager.
type Suspender interface {
	Suspend(ctx context.Context, taskID, nodeID string, preview map[string]any) (*checkpoint.State, error)
}

// Scheduler coordinates dispatch against the dual store. It is safe for
// concurrent use across processes: the per-node idempotency marker in
// the fast store guarantees at most one dispatch per node per marker
// lifetime.
type Scheduler struct {
	store       *store.Dual
	dispatcher  dispatch.Dispatcher
	pub         events.Publisher
	checkpoints Suspender
	logger      *slog.Logger
	markerTTL   time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPublisher sets the event publisher for lifecycle events.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Scheduler) { s.pub = pub }
}

// WithCheckpoints enables checkpoint suspension on step completion.
func WithCheckpoints(cp Suspender) Option {
	return func(s *Scheduler) { s.checkpoints = cp }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMarkerTTL overrides the idempotency marker lifetime.
func WithMarkerTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.markerTTL = ttl
		}
	}
}

// New creates a scheduler.
func New(st *store.Dual, d dispatch.Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		dispatcher: d,
		logger:     slog.Default(),
		markerTTL:  store.DefaultMarkerTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartTask builds the execution tree from the task's planned steps,
// persists both records, and runs the first scheduling pass. The task
// must not have been started before.
func (s *Scheduler) StartTask(ctx context.Context, t *task.Task) error {
	tr := tree.New(t.ID, tree.TypeTask)
	// Steps may reference later steps as dependencies; insert in passes
	// so declaration order does not matter.
	remaining := append([]*task.Step(nil), t.Steps...)
	for len(remaining) > 0 {
		var deferred []*task.Step
		for _, step := range remaining {
			if !depsPresent(tr, step) {
				deferred = append(deferred, step)
				continue
			}
			if err := tr.AddNode(mapping.StepToNode(step, tree.RootID), tree.RootID); err != nil {
				return fmt.Errorf("build tree for task %s: %w", t.ID, err)
			}
		}
		if len(deferred) == len(remaining) {
			return fmt.Errorf("build tree for task %s: unresolvable dependencies in %d steps", t.ID, len(deferred))
		}
		remaining = deferred
	}

	t.Status = task.StatusExecuting
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.CreateTask(ctx, t); err != nil {
		return err
	}
	if err := s.store.SaveTree(ctx, tr); err != nil {
		return err
	}

	_, err := s.ScheduleReadyNodes(ctx, t.ID)
	return err
}

// ScheduleReadyNodes dispatches every node whose dependencies are all
// satisfied. One pass never dispatches the same node twice, even when
// invoked concurrently from multiple workers. It returns the number of
// nodes dispatched; per-node failures are absorbed into the tree rather
// than returned.
func (s *Scheduler) ScheduleReadyNodes(ctx context.Context, taskID string) (int, error) {
	paused, err := s.store.IsPaused(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if paused {
		s.logger.Debug("task paused, skipping scheduling pass", "task_id", taskID)
		return 0, nil
	}

	tr, err := s.store.GetTree(ctx, taskID)
	if err != nil {
		if store.IsNotFound(err) {
			// The task has no tree yet; a trigger may fire before the
			// task is materialized.
			s.logger.Debug("tree not materialized, skipping scheduling pass", "task_id", taskID)
			return 0, nil
		}
		return 0, err
	}
	if tr.Finished() {
		return 0, s.finalize(ctx, taskID, tr)
	}

	// Snapshot the frontier; nodes becoming ready during this pass are
	// picked up by the completion that unblocked them.
	frontier := tr.ReadyNodes()

	dispatched := 0
	failed := false
	for _, n := range frontier {
		ok, err := s.dispatchNode(ctx, taskID, n)
		if err != nil {
			failed = true
			continue
		}
		if ok {
			dispatched++
		}
	}

	if failed {
		// Dispatch failures may have made the tree unfinishable.
		tr, err = s.store.GetTree(ctx, taskID)
		if err != nil {
			return dispatched, err
		}
		if tr.Finished() {
			return dispatched, s.finalize(ctx, taskID, tr)
		}
	}
	return dispatched, nil
}

// dispatchNode claims and dispatches a single ready node. Returns
// (false, nil) when another pass owns the node or the task paused,
// (false, err) when the node was failed because dispatch broke.
func (s *Scheduler) dispatchNode(ctx context.Context, taskID string, n *tree.Node) (bool, error) {
	if n.ID == tree.RootID || n.Status != tree.StatusPending {
		return false, nil
	}

	claimed, err := s.store.MarkScheduled(ctx, taskID, n.ID, s.markerTTL)
	if err != nil {
		return false, fmt.Errorf("mark scheduled %s: %w", n.ID, err)
	}
	if !claimed {
		return false, nil
	}

	// A pause that landed after the frontier snapshot must win; release
	// the claim so the node dispatches on resume.
	paused, err := s.store.IsPaused(ctx, taskID)
	if err == nil && paused {
		if cerr := s.store.ClearScheduled(ctx, taskID, n.ID); cerr != nil {
			s.logger.Warn("failed to release claim on paused task", "task_id", taskID, "node_id", n.ID, "error", cerr)
		}
		return false, nil
	}

	// The node is RUNNING before the executor hears about it, so a
	// status callback can never observe a pending node it was told to run.
	if _, err := s.store.UpdateNodeStatus(ctx, taskID, n.ID, tree.StatusRunning, nil, nil); err != nil {
		s.logger.Error("failed to mark node running", "task_id", taskID, "node_id", n.ID, "error", err)
		return false, err
	}

	step := mapping.NodeToStep(n)
	res, err := s.dispatcher.DispatchStep(ctx, taskID, step)
	if err == nil && res != nil && !res.Success {
		err = fmt.Errorf("executor refused step %s: %s", step.ID, res.Error)
	}
	if err != nil {
		s.logger.Error("dispatch failed", "task_id", taskID, "node_id", n.ID, "error", err)
		errData := map[string]any{"message": fmt.Sprintf("dispatch failed: %v", err)}
		if _, uerr := s.store.UpdateNodeStatus(ctx, taskID, n.ID, tree.StatusFailed, nil, errData); uerr != nil {
			s.logger.Error("failed to record dispatch failure", "task_id", taskID, "node_id", n.ID, "error", uerr)
		}
		return false, err
	}

	s.logger.Info("dispatched node", "task_id", taskID, "node_id", n.ID, "agent_type", step.AgentType)
	return true, nil
}

// CompleteNode records a successful step execution. When the node
// carries a checkpoint config the result is held for human review
// instead of completing the node. The tree is rescheduled afterwards.
func (s *Scheduler) CompleteNode(ctx context.Context, taskID, nodeID string, result map[string]any) error {
	tr, err := s.store.GetTree(ctx, taskID)
	if err != nil {
		return err
	}
	n, ok := tr.Node(nodeID)
	if !ok {
		return fmt.Errorf("complete node: node %s not found in task %s", nodeID, taskID)
	}

	if s.checkpoints != nil && n.MetaMap(tree.MetaCheckpointConfig) != nil {
		if _, err := s.checkpoints.Suspend(ctx, taskID, nodeID, result); err != nil {
			return fmt.Errorf("suspend checkpoint for node %s: %w", nodeID, err)
		}
		return nil
	}

	if _, err := s.store.UpdateNodeStatus(ctx, taskID, nodeID, tree.StatusCompleted, result, nil); err != nil {
		return err
	}
	_, err = s.ScheduleReadyNodes(ctx, taskID)
	return err
}

// FailNode records a failed step execution. Under the all-or-nothing
// failure policy the remaining pending work is cancelled so the task
// finalizes immediately; under continue, independent branches keep
// going and only the failed node's dependents die with it.
func (s *Scheduler) FailNode(ctx context.Context, taskID, nodeID, message string) error {
	errData := map[string]any{"message": message}
	tr, err := s.store.UpdateNodeStatus(ctx, taskID, nodeID, tree.StatusFailed, nil, errData)
	if err != nil {
		return err
	}

	n, _ := tr.Node(nodeID)
	if n != nil && allOrNothing(n) {
		s.cancelRemaining(ctx, taskID, tr, nodeID)
	}

	_, err = s.ScheduleReadyNodes(ctx, taskID)
	return err
}

// ResolveCheckpointNode is invoked after a checkpoint decision moved a
// node to its final status; it clears the node's dispatch claim and
// advances the tree.
func (s *Scheduler) ResolveCheckpointNode(ctx context.Context, taskID, nodeID string) error {
	if err := s.store.ClearScheduled(ctx, taskID, nodeID); err != nil {
		s.logger.Warn("failed to clear dispatch claim", "task_id", taskID, "node_id", nodeID, "error", err)
	}
	_, err := s.ScheduleReadyNodes(ctx, taskID)
	return err
}

func depsPresent(tr *tree.Tree, step *task.Step) bool {
	for _, dep := range step.Dependencies {
		if _, ok := tr.Node(dep); !ok {
			return false
		}
	}
	return true
}

func allOrNothing(n *tree.Node) bool {
	if n.MetaBool(tree.MetaIsCritical) {
		return true
	}
	policy := n.MetaString(tree.MetaFailurePolicy)
	return policy == "" || policy == string(task.FailureAllOrNothing)
}

// cancelRemaining cancels every node still pending or waiting, so an
// all-or-nothing failure finalizes the task without waiting out the
// rest of the tree.
func (s *Scheduler) cancelRemaining(ctx context.Context, taskID string, tr *tree.Tree, failedID string) {
	for _, n := range tr.Nodes {
		if n.ID == tree.RootID || n.ID == failedID {
			continue
		}
		if n.Status != tree.StatusPending && n.Status != tree.StatusWaiting {
			continue
		}
		if _, err := s.store.UpdateNodeStatus(ctx, taskID, n.ID, tree.StatusCancelled, nil, nil); err != nil {
			s.logger.Warn("failed to cancel node", "task_id", taskID, "node_id", n.ID, "error", err)
		}
	}
}

// finalize moves a finished task to its terminal status, syncs the step
// records from the tree, and publishes the completion event. Exactly one
// concurrent pass finalizes: the finalization marker in the fast store
// is claimed atomically before anything is written or published.
func (s *Scheduler) finalize(ctx context.Context, taskID string, tr *tree.Tree) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	claimed, err := s.store.MarkFinalized(ctx, taskID, s.markerTTL)
	if err != nil {
		// Degraded fast store: the terminal check above still bounds the
		// damage, and finalization must not block on Redis.
		s.logger.Warn("finalize claim failed, proceeding", "task_id", taskID, "error", err)
	} else if !claimed {
		return nil
	}

	for i := range t.Steps {
		n, ok := tr.Node(t.Steps[i].ID)
		if !ok {
			continue
		}
		t.Steps[i].Status = mapping.NodeStatusToStep(n.Status)
		if len(n.ResultData) > 0 {
			t.Steps[i].Outputs = n.ResultData
		}
		if msg, ok := n.ErrorData["message"].(string); ok {
			t.Steps[i].ErrorMessage = msg
		}
	}

	final := tr.FinalStatus()
	taskStatus := task.StatusCompleted
	evType := events.EventTaskCompleted
	if final == tree.StatusFailed {
		taskStatus = task.StatusFailed
		evType = events.EventTaskFailed
	}
	t.MarkCompleted(taskStatus)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		if cerr := s.store.ClearFinalized(ctx, taskID); cerr != nil {
			s.logger.Warn("failed to release finalize claim", "task_id", taskID, "error", cerr)
		}
		return err
	}

	data := events.CompletionData{
		TaskID:         taskID,
		StepsCompleted: t.StepsCompleted(),
		FinalStatus:    string(taskStatus),
		Errors:         errorDigest(tr),
	}
	ev := events.New(evType, "scheduler", data.ToMap())
	if t.OrganizationID != "" {
		ev.Metadata = map[string]any{events.MetaOrganizationID: t.OrganizationID}
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, ev); err != nil {
			s.logger.Warn("failed to publish completion event", "task_id", taskID, "error", err)
		}
	}
	if err := s.store.AppendEventLog(ctx, ev); err != nil {
		s.logger.Warn("failed to log completion event", "task_id", taskID, "error", err)
	}

	s.logger.Info("task finalized", "task_id", taskID, "status", taskStatus, "steps_completed", data.StepsCompleted)
	return nil
}

// errorDigest returns up to errorDigestLimit formatted node errors.
func errorDigest(tr *tree.Tree) []string {
	nodeErrs := tr.NodeErrors()
	if len(nodeErrs) > errorDigestLimit {
		nodeErrs = nodeErrs[:errorDigestLimit]
	}
	out := make([]string, 0, len(nodeErrs))
	for _, ne := range nodeErrs {
		if ne.Message == "" {
			out = append(out, ne.NodeID)
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", ne.NodeID, ne.Message))
	}
	return out
}
