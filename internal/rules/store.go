package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned when a rule id is unknown to the store.
var ErrNotFound = fmt.Errorf("rule not found")

// Store holds escalation rules. Reads vastly outnumber writes: every inbound
// alert snapshots the active rule set while edits arrive only from operators.
type Store struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewStore creates an empty rule store.
func NewStore() *Store {
	return &Store{rules: make(map[string]*Rule)}
}

// Create validates and adds a rule. The id must be unused.
func (s *Store) Create(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[rule.ID]; ok {
		return fmt.Errorf("rule %s already exists", rule.ID)
	}

	cp := rule.Clone()
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.TriggerCount = 0
	cp.LastTriggeredAt = nil
	s.rules[rule.ID] = cp

	slog.Info("escalation rule created", "rule_id", rule.ID, "name", rule.Name, "levels", len(rule.Levels))
	return nil
}

// Update validates and replaces an existing rule. Counters are preserved.
// Already-open cases are unaffected: they carry their own rule snapshot.
func (s *Store) Update(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return ErrNotFound
	}

	cp := rule.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	cp.TriggerCount = existing.TriggerCount
	cp.LastTriggeredAt = existing.LastTriggeredAt
	s.rules[rule.ID] = cp

	slog.Info("escalation rule updated", "rule_id", rule.ID)
	return nil
}

// SetActive toggles a rule. Deactivation does not cancel in-flight cases.
func (s *Store) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	rule.Active = active
	rule.UpdatedAt = time.Now().UTC()

	slog.Info("escalation rule toggled", "rule_id", id, "active", active)
	return nil
}

// Delete removes a rule.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)

	slog.Info("escalation rule deleted", "rule_id", id)
	return nil
}

// Get returns a copy of the rule with the given id.
func (s *Store) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rule.Clone(), nil
}

// List returns copies of all rules.
func (s *Store) List() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule.Clone())
	}
	return out
}

// ActiveSnapshot returns copies of all active rules, the set the matcher
// evaluates inbound alerts against.
func (s *Store) ActiveSnapshot() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Active {
			out = append(out, rule.Clone())
		}
	}
	return out
}

// RecordTrigger increments the rule's trigger counter and stamps the last
// trigger time. Called once per level fire, not per case or per match.
func (s *Store) RecordTrigger(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		// The rule may have been deleted while a case was in flight.
		return
	}
	rule.TriggerCount++
	t := at.UTC()
	rule.LastTriggeredAt = &t
}

// Load bulk-adds rules, typically from rule files at startup. Existing ids
// are replaced.
func (s *Store) Load(rules []*Rule) error {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, rule := range rules {
		cp := rule.Clone()
		if existing, ok := s.rules[rule.ID]; ok {
			cp.CreatedAt = existing.CreatedAt
			cp.TriggerCount = existing.TriggerCount
			cp.LastTriggeredAt = existing.LastTriggeredAt
		} else {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		s.rules[rule.ID] = cp
	}

	slog.Info("rules loaded", "count", len(rules))
	return nil
}

// Len returns the number of stored rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}
