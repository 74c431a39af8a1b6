// Package rules provides escalation rule definitions, validation and matching.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ActionType identifies the kind of side effect an escalation action performs.
type ActionType string

const (
	ActionNotifyUser    ActionType = "notify_user"
	ActionNotifyTeam    ActionType = "notify_team"
	ActionNotifyManager ActionType = "notify_manager"
	ActionCreateTicket  ActionType = "create_ticket"
	ActionSendSMS       ActionType = "send_sms"
	ActionCallWebhook   ActionType = "call_webhook"
)

// IsValid checks if the action type is a known value.
func (t ActionType) IsValid() bool {
	switch t {
	case ActionNotifyUser, ActionNotifyTeam, ActionNotifyManager,
		ActionCreateTicket, ActionSendSMS, ActionCallWebhook:
		return true
	}
	return false
}

// Rule defines when alerts escalate and the ordered plan they follow.
type Rule struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Active      bool       `yaml:"active" json:"active"`
	Triggers    Triggers   `yaml:"triggers" json:"triggers"`
	Conditions  Conditions `yaml:"conditions" json:"conditions"`
	Levels      []Level    `yaml:"levels" json:"levels"`

	CreatedAt       time.Time  `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt       time.Time  `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	TriggerCount    uint64     `yaml:"-" json:"trigger_count"`
	LastTriggeredAt *time.Time `yaml:"-" json:"last_triggered_at,omitempty"`
}

// Triggers holds the attribute filters a rule matches alerts against.
// An empty set matches any value for that attribute.
type Triggers struct {
	Categories []string `yaml:"categories,omitempty" json:"categories,omitempty"`
	Severities []string `yaml:"severities,omitempty" json:"severities,omitempty"`
	Keywords   []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// Conditions holds the timing and debounce settings of a rule.
type Conditions struct {
	// NoResponseTime bounds the repeat-count matching window.
	NoResponseTime time.Duration `yaml:"no_response_time" json:"no_response_time"`
	// NoAcknowledgmentTime is informational: the total escalation span is
	// the sum of level delays, after which an unacknowledged case expires.
	NoAcknowledgmentTime time.Duration `yaml:"no_acknowledgment_time" json:"no_acknowledgment_time"`
	// RepeatCount is the number of independent matches required before a
	// case opens. Minimum 1 (every match opens a case).
	RepeatCount int `yaml:"repeat_count" json:"repeat_count"`
}

// Level is one step of a rule's escalation plan.
type Level struct {
	Level   int           `yaml:"level" json:"level"`
	Delay   time.Duration `yaml:"delay" json:"delay"` // since the previous level fired
	Actions []Action      `yaml:"actions" json:"actions"`
}

// Action is a single side effect attached to a level.
type Action struct {
	Type    ActionType     `yaml:"type" json:"type"`
	Target  string         `yaml:"target" json:"target"`
	Message string         `yaml:"message,omitempty" json:"message,omitempty"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// yamlDuration parses rule file durations. Both Go duration strings ("10m")
// and bare integers (nanoseconds) are accepted.
func yamlDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(n), nil
	}
	return time.ParseDuration(raw)
}

// UnmarshalYAML implements yaml.Unmarshaler for duration string support.
func (c *Conditions) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		NoResponseTime       string `yaml:"no_response_time"`
		NoAcknowledgmentTime string `yaml:"no_acknowledgment_time"`
		RepeatCount          int    `yaml:"repeat_count"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if c.NoResponseTime, err = yamlDuration(raw.NoResponseTime); err != nil {
		return fmt.Errorf("no_response_time: %w", err)
	}
	if c.NoAcknowledgmentTime, err = yamlDuration(raw.NoAcknowledgmentTime); err != nil {
		return fmt.Errorf("no_acknowledgment_time: %w", err)
	}
	c.RepeatCount = raw.RepeatCount
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for duration string support.
func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Level   int      `yaml:"level"`
		Delay   string   `yaml:"delay"`
		Actions []Action `yaml:"actions"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if l.Delay, err = yamlDuration(raw.Delay); err != nil {
		return fmt.Errorf("delay: %w", err)
	}
	l.Level = raw.Level
	l.Actions = raw.Actions
	return nil
}

// ValidationError describes a rule validation failure with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule validation: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the rule configuration. Malformed rules are rejected at
// write time and never reach the engine.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return invalid("id", "is required")
	}
	if r.Name == "" {
		return invalid("name", "is required")
	}
	if r.Conditions.RepeatCount < 1 {
		return invalid("conditions.repeat_count", "must be at least 1, got %d", r.Conditions.RepeatCount)
	}
	if r.Conditions.NoResponseTime < 0 {
		return invalid("conditions.no_response_time", "must not be negative")
	}
	if r.Conditions.NoAcknowledgmentTime < 0 {
		return invalid("conditions.no_acknowledgment_time", "must not be negative")
	}
	if len(r.Levels) == 0 {
		return invalid("levels", "at least one escalation level is required")
	}
	// The audit store persists the level number as an 8-bit column.
	if len(r.Levels) > 255 {
		return invalid("levels", "at most 255 escalation levels are supported, got %d", len(r.Levels))
	}

	for i, lvl := range r.Levels {
		field := fmt.Sprintf("levels[%d]", i)
		if lvl.Level != i+1 {
			return invalid(field+".level", "indices must increase strictly from 1, got %d at position %d", lvl.Level, i)
		}
		if lvl.Delay < 0 {
			return invalid(field+".delay", "must not be negative")
		}
		if len(lvl.Actions) == 0 {
			return invalid(field+".actions", "at least one action is required")
		}
		for j, action := range lvl.Actions {
			afield := fmt.Sprintf("%s.actions[%d]", field, j)
			if !action.Type.IsValid() {
				return invalid(afield+".type", "unknown action type %q", action.Type)
			}
			if action.Target == "" {
				return invalid(afield+".target", "is required")
			}
		}
	}

	for i, kw := range r.Triggers.Keywords {
		if strings.TrimSpace(kw) == "" {
			return invalid(fmt.Sprintf("triggers.keywords[%d]", i), "must not be blank")
		}
	}

	return nil
}

// TotalSpan returns the sum of all level delays: the time after which an
// unacknowledged case expires.
func (r *Rule) TotalSpan() time.Duration {
	var total time.Duration
	for _, lvl := range r.Levels {
		total += lvl.Delay
	}
	return total
}

// RepeatWindow returns the sliding window used by the repeat-count gate.
// The rule's no-response time bounds it, with a one minute floor.
func (r *Rule) RepeatWindow() time.Duration {
	if r.Conditions.NoResponseTime < time.Minute {
		return time.Minute
	}
	return r.Conditions.NoResponseTime
}

// Clone returns a deep copy of the rule. The tracker snapshots rules into
// cases so later edits never alter an in-flight escalation.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Triggers.Categories = append([]string(nil), r.Triggers.Categories...)
	cp.Triggers.Severities = append([]string(nil), r.Triggers.Severities...)
	cp.Triggers.Keywords = append([]string(nil), r.Triggers.Keywords...)
	cp.Levels = make([]Level, len(r.Levels))
	for i, lvl := range r.Levels {
		cp.Levels[i] = lvl
		cp.Levels[i].Actions = make([]Action, len(lvl.Actions))
		for j, a := range lvl.Actions {
			cp.Levels[i].Actions[j] = a
			if a.Config != nil {
				cfg := make(map[string]any, len(a.Config))
				for k, v := range a.Config {
					cfg[k] = v
				}
				cp.Levels[i].Actions[j].Config = cfg
			}
		}
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

// ParseRule parses a single rule from YAML bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses multiple rules from YAML bytes. A document holding a
// single rule object is accepted as well.
func ParseRules(data []byte) ([]*Rule, error) {
	var parsed []*Rule
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}

	for i, rule := range parsed {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return parsed, nil
}

// LoadDir loads every .yaml/.yml rule file under dir, sorted by filename.
func LoadDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []*Rule
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", name, err)
		}
		parsed, err := ParseRules(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		all = append(all, parsed...)
	}
	return all, nil
}
