package rules

import (
	"opsrelay/internal/schema"
)

// Match returns the subset of rules whose triggers are satisfied by the
// alert. Pure function over the given rule snapshot: an empty categories,
// severities or keywords set matches any value for that attribute, keywords
// match as case-insensitive substrings of the alert's text fields, and only
// active rules participate. Every matching rule escalates independently;
// there is no priority suppression between rules.
func Match(alert *schema.Alert, rules []*Rule) []*Rule {
	var matched []*Rule
	for _, rule := range rules {
		if rule.Active && Matches(alert, rule) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Matches reports whether a single rule's triggers are satisfied by the
// alert, ignoring the active flag. Used by Match and by dry runs.
func Matches(alert *schema.Alert, rule *Rule) bool {
	if !containsOrEmpty(rule.Triggers.Categories, alert.Category) {
		return false
	}
	if !containsOrEmpty(rule.Triggers.Severities, alert.Severity) {
		return false
	}
	if len(rule.Triggers.Keywords) > 0 && !anyKeyword(alert, rule.Triggers.Keywords) {
		return false
	}
	return true
}

func containsOrEmpty(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

func anyKeyword(alert *schema.Alert, keywords []string) bool {
	for _, kw := range keywords {
		if alert.ContainsKeyword(kw) {
			return true
		}
	}
	return false
}

// TestResult reports the outcome of a rule dry run.
type TestResult struct {
	RuleID   string `json:"rule_id"`
	Matched  bool   `json:"matched"`
	Active   bool   `json:"active"`
	Levels   int    `json:"levels"`
	// WouldOpenCase is false when the rule matched but is inactive, or when
	// the repeat-count gate would hold the first match back.
	WouldOpenCase bool `json:"would_open_case"`
}

// TestRule runs the matcher against a synthetic alert without creating a
// case. Inactive rules are evaluated too so operators can probe them.
func TestRule(alert *schema.Alert, rule *Rule) TestResult {
	matched := Matches(alert, rule)
	return TestResult{
		RuleID:        rule.ID,
		Matched:       matched,
		Active:        rule.Active,
		Levels:        len(rule.Levels),
		WouldOpenCase: matched && rule.Active && rule.Conditions.RepeatCount <= 1,
	}
}
