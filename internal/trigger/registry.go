// Package trigger maintains per-organization event trigger
// registrations and the distributed-lock worker that fires them.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxtopus/fluxos/internal/events"
)

// DefaultKeyPrefix prefixes the per-organization registration hashes.
const DefaultKeyPrefix = "fluxos:triggers:"

// Config is the matching rule attached to a registration.
type Config struct {
	// EventPattern is an exact event type or a single-level wildcard
	// pattern ("external.integration.*").
	EventPattern string `json:"event_pattern"`
	// SourceFilter, when set, additionally requires the event source to
	// match exactly.
	SourceFilter string `json:"source_filter,omitempty"`
	// AutomationID links the registration to the automation that owns it.
	AutomationID string `json:"automation_id,omitempty"`
	// Params are passed through to the worker's handler.
	Params map[string]any `json:"params,omitempty"`
}

// Registration binds a task to an event pattern inside one organization.
type Registration struct {
	TaskID         string    `json:"task_id"`
	OrganizationID string    `json:"organization_id"`
	Config         Config    `json:"config"`
	CreatedAt      time.Time `json:"created_at"`
}

// Registry stores registrations in one Redis hash per organization, so
// matching reads exactly the tenant's triggers and nothing else.
type Registry struct {
	client redis.UniversalClient
	prefix string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithKeyPrefix overrides the registration key prefix.
func WithKeyPrefix(prefix string) RegistryOption {
	return func(r *Registry) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRegistry creates a Redis-backed trigger registry.
func NewRegistry(client redis.UniversalClient, opts ...RegistryOption) *Registry {
	r := &Registry{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) key(orgID string) string {
	return r.prefix + orgID
}

// Register stores a trigger for the task. Re-registering a task id
// replaces its previous rule.
func (r *Registry) Register(ctx context.Context, taskID, orgID string, cfg Config) error {
	if taskID == "" || orgID == "" {
		return fmt.Errorf("register trigger: task id and organization id are required")
	}
	if cfg.EventPattern == "" {
		return fmt.Errorf("register trigger %s: event pattern is required", taskID)
	}
	reg := Registration{
		TaskID:         taskID,
		OrganizationID: orgID,
		Config:         cfg,
		CreatedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode trigger %s: %w", taskID, err)
	}
	if err := r.client.HSet(ctx, r.key(orgID), taskID, payload).Err(); err != nil {
		return fmt.Errorf("store trigger %s: %w", taskID, err)
	}
	return nil
}

// Unregister removes the task's trigger. Removing an absent trigger is
// a no-op.
func (r *Registry) Unregister(ctx context.Context, taskID, orgID string) error {
	if err := r.client.HDel(ctx, r.key(orgID), taskID).Err(); err != nil {
		return fmt.Errorf("remove trigger %s: %w", taskID, err)
	}
	return nil
}

// List returns every registration for an organization.
func (r *Registry) List(ctx context.Context, orgID string) ([]Registration, error) {
	raw, err := r.client.HGetAll(ctx, r.key(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list triggers for %s: %w", orgID, err)
	}
	regs := make([]Registration, 0, len(raw))
	for _, payload := range raw {
		var reg Registration
		if err := json.Unmarshal([]byte(payload), &reg); err != nil {
			return nil, fmt.Errorf("decode trigger: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// FindMatching returns the registrations fired by the event, scoped to
// the event's organization. An event without an organization matches
// nothing.
func (r *Registry) FindMatching(ctx context.Context, ev events.Event) ([]Registration, error) {
	orgID := ev.OrganizationID()
	if orgID == "" {
		return nil, nil
	}
	regs, err := r.List(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var matched []Registration
	for _, reg := range regs {
		if !Matches(reg.Config, ev) {
			continue
		}
		matched = append(matched, reg)
	}
	return matched, nil
}

// Matches applies a registration's rule to an event.
func Matches(cfg Config, ev events.Event) bool {
	if !matchPattern(cfg.EventPattern, string(ev.Type)) {
		return false
	}
	if cfg.SourceFilter != "" && cfg.SourceFilter != ev.Source {
		return false
	}
	return true
}

// matchPattern matches an event type against a pattern: exact, or a
// trailing ".*" standing for exactly one more segment.
func matchPattern(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return false
	}
	rest, ok := strings.CutPrefix(eventType, prefix+".")
	if !ok {
		return false
	}
	return rest != "" && !strings.Contains(rest, ".")
}
