package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluxtopus/fluxos/internal/errors"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/task"
	"github.com/fluxtopus/fluxos/internal/tree"
)

// Response carries what the human supplied when resolving a checkpoint.
type Response struct {
	Note string
	// Data is merged into the step's outputs on approval/modification.
	Data map[string]any
	// Choice is the selected alternative for select checkpoints.
	Choice string
	// Answers maps question text to the human's answer for qa checkpoints.
	Answers map[string]string
}

// NodeFailer applies the engine's failure policy to a node that can no
// longer complete. Satisfied by (*scheduler.Scheduler).FailNode.
type NodeFailer func(ctx context.Context, taskID, nodeID, message string) error

// Manager drives checkpoint suspension and resolution against the dual
// store and the checkpoint store.
type Manager struct {
	store    *store.Dual
	states   Store
	pub      events.Publisher
	failNode NodeFailer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets the event publisher used for checkpoint events.
func WithPublisher(pub events.Publisher) Option {
	return func(m *Manager) { m.pub = pub }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithNodeFailer routes the node failure on checkpoint expiry through
// the scheduler's failure policy, so an expired checkpoint on a critical
// step cancels the remaining work like any other step failure. Without
// it the node is failed directly.
func WithNodeFailer(f NodeFailer) Option {
	return func(m *Manager) { m.failNode = f }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a checkpoint manager.
func NewManager(st *store.Dual, states Store, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		states: states,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Suspend pauses the node, records a pending checkpoint, and marks the
// task as waiting on human input. preview is shown to the approver.
func (m *Manager) Suspend(ctx context.Context, taskID, nodeID string, preview map[string]any) (*State, error) {
	tr, err := m.store.GetTree(ctx, taskID)
	if err != nil {
		return nil, err
	}
	node, ok := tr.Node(nodeID)
	if !ok {
		return nil, errors.Newf(errors.CodeNodeNotFound, "node %s in task %s", nodeID, taskID)
	}
	cfg := task.CheckpointConfigFromMap(node.MetaMap(tree.MetaCheckpointConfig))
	if cfg == nil {
		return nil, errors.Newf(errors.CodeCheckpointInvalid, "node %s has no checkpoint config", nodeID)
	}

	if _, err := m.store.UpdateNodeStatus(ctx, taskID, nodeID, tree.StatusPaused, nil, nil); err != nil {
		return nil, err
	}

	st := NewState(taskID, nodeID, cfg, preview)
	if err := m.states.Put(ctx, st); err != nil {
		return nil, err
	}

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		t.Status = task.StatusCheckpoint
		t.UpdatedAt = m.now()
		if err := m.store.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
	}

	m.publish(ctx, events.EventTaskCheckpoint, st, map[string]any{
		"checkpoint_id":   st.ID,
		"checkpoint_name": st.Name,
		"checkpoint_type": string(st.Type),
	})
	m.logger.Info("checkpoint suspended", "task_id", taskID, "node_id", nodeID, "checkpoint_id", st.ID, "type", st.Type)
	return st, nil
}

// Resolve records a human decision and moves the suspended node to its
// final status. Approved and modified checkpoints complete the node with
// the response merged into its outputs; rejected checkpoints fail it.
// The caller is responsible for rescheduling the task afterwards.
func (m *Manager) Resolve(ctx context.Context, checkpointID string, decision Decision, resp *Response) (*State, error) {
	st, err := m.states.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if st.Decision != DecisionPending {
		return nil, errors.Newf(errors.CodeCheckpointResolved, "checkpoint %s already %s", st.ID, st.Decision)
	}
	if st.Expired(m.now()) {
		// Mark it so the sweeper does not race a second transition.
		if _, expErr := m.expire(ctx, st); expErr != nil {
			m.logger.Warn("failed to persist checkpoint expiry", "checkpoint_id", st.ID, "error", expErr)
		}
		return nil, errors.Newf(errors.CodeCheckpointExpired, "checkpoint %s expired at %s", st.ID, st.ExpiresAt.Format(time.RFC3339))
	}
	if err := validateDecision(st, decision, resp); err != nil {
		return nil, err
	}

	if resp == nil {
		resp = &Response{}
	}
	resolved := m.now()
	st.Decision = decision
	st.ResponseNote = resp.Note
	st.ResponseData = resolutionData(st, decision, resp)
	st.ResolvedAt = &resolved
	if err := m.states.Update(ctx, st); err != nil {
		return nil, err
	}

	switch decision {
	case DecisionApproved, DecisionModified:
		_, err = m.store.UpdateNodeStatus(ctx, st.TaskID, st.StepID, tree.StatusCompleted, st.ResponseData, nil)
	case DecisionRejected:
		errData := map[string]any{"message": "checkpoint rejected"}
		if resp.Note != "" {
			errData["reason"] = resp.Note
		}
		_, err = m.store.UpdateNodeStatus(ctx, st.TaskID, st.StepID, tree.StatusFailed, nil, errData)
	}
	if err != nil {
		return nil, err
	}

	if err := m.resumeTask(ctx, st.TaskID); err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint resolved", "task_id", st.TaskID, "node_id", st.StepID, "checkpoint_id", st.ID, "decision", decision)
	return st, nil
}

// ExpireDue transitions every overdue pending checkpoint to EXPIRED and
// fails its node. It returns the checkpoints it expired so the caller
// can reschedule the affected tasks.
func (m *Manager) ExpireDue(ctx context.Context) ([]*State, error) {
	due, err := m.states.ListPendingDue(ctx, m.now())
	if err != nil {
		return nil, err
	}
	var expired []*State
	for _, st := range due {
		out, err := m.expire(ctx, st)
		if err != nil {
			m.logger.Warn("failed to expire checkpoint", "checkpoint_id", st.ID, "error", err)
			continue
		}
		expired = append(expired, out)
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, st *State) (*State, error) {
	resolved := m.now()
	st.Decision = DecisionExpired
	st.ResolvedAt = &resolved
	if err := m.states.Update(ctx, st); err != nil {
		return nil, err
	}
	const msg = "checkpoint expired before resolution"
	if m.failNode != nil {
		if err := m.failNode(ctx, st.TaskID, st.StepID, msg); err != nil {
			return nil, err
		}
	} else {
		errData := map[string]any{"message": msg}
		if _, err := m.store.UpdateNodeStatus(ctx, st.TaskID, st.StepID, tree.StatusFailed, nil, errData); err != nil {
			return nil, err
		}
	}
	if err := m.resumeTask(ctx, st.TaskID); err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint expired", "task_id", st.TaskID, "node_id", st.StepID, "checkpoint_id", st.ID)
	return st, nil
}

// resumeTask moves the task out of CHECKPOINT so the scheduler can act
// on the resolved node. Terminal tasks are left alone.
func (m *Manager) resumeTask(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusCheckpoint {
		return nil
	}
	t.Status = task.StatusExecuting
	t.UpdatedAt = m.now()
	return m.store.UpdateTask(ctx, t)
}

func (m *Manager) publish(ctx context.Context, evType events.EventType, st *State, data map[string]any) {
	if m.pub == nil {
		return
	}
	data["task_id"] = st.TaskID
	ev := events.New(evType, "checkpoint", data)
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish checkpoint event", "task_id", st.TaskID, "error", err)
	}
}

// validateDecision enforces the per-type payload requirements before a
// checkpoint may leave PENDING.
func validateDecision(st *State, decision Decision, resp *Response) error {
	switch decision {
	case DecisionApproved, DecisionRejected, DecisionModified:
	default:
		return errors.Newf(errors.CodeCheckpointInvalid, "decision %q is not a valid resolution", decision)
	}
	if decision == DecisionRejected {
		return nil
	}
	switch st.Type {
	case task.CheckpointQA:
		if resp == nil {
			return errors.New(errors.CodeCheckpointInvalid, "qa checkpoint requires answers")
		}
		for _, q := range st.Questions {
			if resp.Answers[q] == "" {
				return errors.Newf(errors.CodeCheckpointInvalid, "qa checkpoint missing answer for %q", q)
			}
		}
	case task.CheckpointSelect:
		if resp == nil || resp.Choice == "" {
			return errors.New(errors.CodeCheckpointInvalid, "select checkpoint requires a choice")
		}
		for _, alt := range st.Alternatives {
			if alt == resp.Choice {
				return nil
			}
		}
		return errors.Newf(errors.CodeCheckpointInvalid, "choice %q is not among the alternatives", resp.Choice)
	case task.CheckpointInput, task.CheckpointModify:
		if len(st.InputSchema) == 0 {
			return nil
		}
		if resp == nil {
			return errors.New(errors.CodeCheckpointInvalid, "input checkpoint requires data")
		}
		for field := range st.InputSchema {
			if _, ok := resp.Data[field]; !ok {
				return errors.Newf(errors.CodeCheckpointInvalid, "input checkpoint missing field %q", field)
			}
		}
	}
	return nil
}

// resolutionData builds the outputs merged into the node on completion.
func resolutionData(st *State, decision Decision, resp *Response) map[string]any {
	out := map[string]any{"checkpoint_decision": string(decision)}
	if resp.Note != "" {
		out["checkpoint_note"] = resp.Note
	}
	switch st.Type {
	case task.CheckpointQA:
		answers := make(map[string]any, len(resp.Answers))
		for q, a := range resp.Answers {
			answers[q] = a
		}
		out["answers"] = answers
	case task.CheckpointSelect:
		out["selected"] = resp.Choice
	}
	for k, v := range resp.Data {
		out[k] = v
	}
	return out
}
