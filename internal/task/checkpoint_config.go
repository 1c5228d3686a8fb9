package task

// CheckpointType selects the kind of human input a checkpoint collects.
type CheckpointType string

const (
	CheckpointApproval CheckpointType = "approval"
	CheckpointInput    CheckpointType = "input"
	CheckpointModify   CheckpointType = "modify"
	CheckpointSelect   CheckpointType = "select"
	CheckpointQA       CheckpointType = "qa"
)

// ValidCheckpointTypes returns all valid checkpoint type values.
func ValidCheckpointTypes() []CheckpointType {
	return []CheckpointType{
		CheckpointApproval, CheckpointInput, CheckpointModify,
		CheckpointSelect, CheckpointQA,
	}
}

// IsValidCheckpointType returns true for a known checkpoint type.
func IsValidCheckpointType(t CheckpointType) bool {
	switch t {
	case CheckpointApproval, CheckpointInput, CheckpointModify,
		CheckpointSelect, CheckpointQA:
		return true
	default:
		return false
	}
}

// CheckpointConfig declares the human-in-the-loop pause point for a step.
type CheckpointConfig struct {
	Name        string         `json:"name" yaml:"name"`
	Type        CheckpointType `json:"type" yaml:"type"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`

	// Type-specific payload: Questions for QA, Alternatives for SELECT,
	// InputSchema for INPUT/MODIFY.
	Questions    []string       `json:"questions,omitempty" yaml:"questions,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`

	// TimeoutSeconds bounds how long the checkpoint may stay pending.
	// Zero means no expiry.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// ToMap flattens the config for storage in node metadata.
func (c *CheckpointConfig) ToMap() map[string]any {
	if c == nil {
		return nil
	}
	m := map[string]any{
		"name": c.Name,
		"type": string(c.Type),
	}
	if c.Description != "" {
		m["description"] = c.Description
	}
	if len(c.Questions) > 0 {
		m["questions"] = append([]string(nil), c.Questions...)
	}
	if len(c.Alternatives) > 0 {
		m["alternatives"] = append([]string(nil), c.Alternatives...)
	}
	if len(c.InputSchema) > 0 {
		m["input_schema"] = copyMap(c.InputSchema)
	}
	if c.TimeoutSeconds > 0 {
		m["timeout_seconds"] = c.TimeoutSeconds
	}
	return m
}

// CheckpointConfigFromMap rebuilds a config stored via ToMap. Returns nil
// for a nil or empty map.
func CheckpointConfigFromMap(m map[string]any) *CheckpointConfig {
	if len(m) == 0 {
		return nil
	}
	c := &CheckpointConfig{
		Name:           stringValue(m["name"]),
		Type:           CheckpointType(stringValue(m["type"])),
		Description:    stringValue(m["description"]),
		Questions:      stringSlice(m["questions"]),
		Alternatives:   stringSlice(m["alternatives"]),
		TimeoutSeconds: intValue(m["timeout_seconds"]),
	}
	if schema, ok := m["input_schema"].(map[string]any); ok {
		c.InputSchema = copyMap(schema)
	}
	return c
}

// FallbackConfig declares an alternate agent to try when a step fails.
type FallbackConfig struct {
	AgentType   string         `json:"agent_type" yaml:"agent_type"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ToMap flattens the config for storage in node metadata.
func (f *FallbackConfig) ToMap() map[string]any {
	if f == nil {
		return nil
	}
	m := map[string]any{
		"agent_type": f.AgentType,
	}
	if f.MaxAttempts > 0 {
		m["max_attempts"] = f.MaxAttempts
	}
	if len(f.Params) > 0 {
		m["params"] = copyMap(f.Params)
	}
	return m
}

// FallbackConfigFromMap rebuilds a config stored via ToMap. Returns nil
// for a nil or empty map.
func FallbackConfigFromMap(m map[string]any) *FallbackConfig {
	if len(m) == 0 {
		return nil
	}
	f := &FallbackConfig{
		AgentType:   stringValue(m["agent_type"]),
		MaxAttempts: intValue(m["max_attempts"]),
	}
	if params, ok := m["params"].(map[string]any); ok {
		f.Params = copyMap(params)
	}
	return f
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// intValue tolerates float64 because values round-trip through JSON.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// stringSlice tolerates []any because values round-trip through JSON.
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}
