// Package fastpath implements the data-retrieval shortcut: goals that
// are pure lookups are answered with a single query and persisted as an
// already-completed task, skipping planning, the tree, and the
// scheduler entirely.
package fastpath

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/task"
)

// CategoryDataRetrieval is the intent category eligible for the shortcut.
const CategoryDataRetrieval = "data_retrieval"

// complexVerbs disqualify the shortcut: they imply multi-step reasoning
// a single query cannot honor.
var complexVerbs = []string{"summarize", "analyze", "compare", "create", "research", "generate"}

// Record is one row returned by the data-query port.
type Record = json.RawMessage

// Query is the data-query port the shortcut runs against.
type Query interface {
	Query(ctx context.Context, orgID, objectType string, where map[string]any, orderBy string, limit int) ([]Record, error)
	Search(ctx context.Context, orgID, query, objectType string, limit int) ([]Record, error)
}

// Intent is the classified form of a user goal.
type Intent struct {
	Category   string
	ObjectType string

	// SearchText selects free-text search; Where selects a structured
	// lookup. SearchText wins when both are set.
	SearchText string
	Where      map[string]any
	OrderBy    string
	Limit      int

	// StepDescriptions are the planned workflow steps, inspected for
	// complex verbs.
	StepDescriptions []string
}

// Request is a goal the shortcut may handle.
type Request struct {
	Goal           string
	UserID         string
	OrganizationID string
	Intent         Intent
}

// Outcome reports whether the shortcut handled the request. When
// Handled is false the caller proceeds with the full planning path.
type Outcome struct {
	Handled bool
	Task    *task.Task
	Records []Record
}

var notHandled = &Outcome{}

// Shortcut tries to answer retrieval goals with one query.
type Shortcut struct {
	store       *store.Dual
	query       Query
	pub         events.Publisher
	logger      *slog.Logger
	objectTypes map[string]bool
	limit       int
}

// Option configures a Shortcut.
type Option func(*Shortcut)

// WithPublisher sets the publisher for the completion event.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Shortcut) { s.pub = pub }
}

// WithLogger sets the shortcut's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Shortcut) { s.logger = logger }
}

// WithObjectTypes sets the resolvable object types. An intent whose
// object type is not in this set is not eligible.
func WithObjectTypes(types ...string) Option {
	return func(s *Shortcut) {
		s.objectTypes = make(map[string]bool, len(types))
		for _, t := range types {
			s.objectTypes[t] = true
		}
	}
}

// WithDefaultLimit caps result sets when the intent does not.
func WithDefaultLimit(n int) Option {
	return func(s *Shortcut) {
		if n > 0 {
			s.limit = n
		}
	}
}

// New creates a fast-path shortcut over the dual store and a query port.
func New(st *store.Dual, q Query, opts ...Option) *Shortcut {
	s := &Shortcut{
		store:  st,
		query:  q,
		logger: slog.Default(),
		limit:  50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Try attempts the shortcut. It never returns an error: ineligible
// requests and query failures both come back as not handled, so the
// caller falls through to the full path.
func (s *Shortcut) Try(ctx context.Context, req Request) *Outcome {
	if !s.eligible(req) {
		return notHandled
	}

	records, err := s.run(ctx, req)
	if err != nil {
		s.logger.Warn("fast path query failed, falling back to full path",
			"org_id", req.OrganizationID, "object_type", req.Intent.ObjectType, "error", err)
		return notHandled
	}
	if len(req.Intent.Where) > 0 {
		records = FilterWhere(records, req.Intent.Where)
	}

	t, err := s.persist(ctx, req, records)
	if err != nil {
		s.logger.Warn("fast path persist failed, falling back to full path",
			"org_id", req.OrganizationID, "error", err)
		return notHandled
	}
	s.logger.Info("fast path handled goal", "task_id", t.ID, "records", len(records))
	return &Outcome{Handled: true, Task: t, Records: records}
}

// eligible applies the shortcut predicate: pure retrieval intent, a
// resolvable object type, and no complex verb anywhere in the goal or
// the planned steps.
func (s *Shortcut) eligible(req Request) bool {
	in := req.Intent
	if in.Category != CategoryDataRetrieval {
		return false
	}
	if in.ObjectType == "" {
		return false
	}
	if s.objectTypes != nil && !s.objectTypes[in.ObjectType] {
		return false
	}
	if containsComplexVerb(req.Goal) {
		return false
	}
	for _, desc := range in.StepDescriptions {
		if containsComplexVerb(desc) {
			return false
		}
	}
	return true
}

func (s *Shortcut) run(ctx context.Context, req Request) ([]Record, error) {
	in := req.Intent
	limit := in.Limit
	if limit <= 0 {
		limit = s.limit
	}
	if in.SearchText != "" {
		return s.query.Search(ctx, req.OrganizationID, in.SearchText, in.ObjectType, limit)
	}
	return s.query.Query(ctx, req.OrganizationID, in.ObjectType, in.Where, in.OrderBy, limit)
}

// persist writes the finished task to both stores and publishes the
// completion event.
func (s *Shortcut) persist(ctx context.Context, req Request, records []Record) (*task.Task, error) {
	now := time.Now().UTC()
	results := make([]any, 0, len(records))
	for _, r := range records {
		results = append(results, json.RawMessage(r))
	}

	t := task.New(req.Goal, req.UserID, req.OrganizationID)
	t.Metadata[task.MetaFastPath] = true
	t.Steps = []*task.Step{{
		ID:          "query",
		Name:        "retrieve " + req.Intent.ObjectType,
		Description: req.Goal,
		Status:      task.StepDone,
		Outputs: map[string]any{
			"object_type": req.Intent.ObjectType,
			"records":     results,
			"count":       len(records),
		},
		StartedAt:   &now,
		CompletedAt: &now,
	}}
	t.MarkCompleted(task.StatusCompleted)
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	data := events.CompletionData{
		TaskID:         t.ID,
		StepsCompleted: 1,
		FinalStatus:    string(task.StatusCompleted),
	}
	ev := events.New(events.EventTaskCompleted, "fastpath", data.ToMap())
	if req.OrganizationID != "" {
		ev.Metadata = map[string]any{events.MetaOrganizationID: req.OrganizationID}
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, ev); err != nil {
			s.logger.Warn("failed to publish fast path completion", "task_id", t.ID, "error", err)
		}
	}
	if err := s.store.AppendEventLog(ctx, ev); err != nil {
		s.logger.Warn("failed to log fast path completion", "task_id", t.ID, "error", err)
	}
	return t, nil
}

func containsComplexVerb(text string) bool {
	lower := strings.ToLower(text)
	for _, verb := range complexVerbs {
		if containsWord(lower, verb) {
			return true
		}
	}
	return false
}

// containsWord matches verb as a whole word so "created_at" or
// "generated" do not disqualify a goal.
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z')
}
