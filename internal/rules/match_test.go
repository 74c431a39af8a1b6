package rules

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/schema"
)

func matchAlert() *schema.Alert {
	return &schema.Alert{
		AlertID:     uuid.New(),
		Timestamp:   time.Now().UTC(),
		Category:    schema.CategoryAnomalies,
		Severity:    schema.SeverityCritical,
		Title:       "High-value package lost in transit",
		Description: "Package PKG-4481 marked missing at hub Chicago",
		Fingerprint: "pkg-4481-missing",
	}
}

func TestMatchesTable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Rule, *schema.Alert)
		want   bool
	}{
		{
			"all triggers satisfied",
			func(r *Rule, a *schema.Alert) {},
			true,
		},
		{
			"empty trigger sets match any alert",
			func(r *Rule, a *schema.Alert) {
				r.Triggers = Triggers{}
				a.Category = schema.CategoryUsers
				a.Severity = schema.SeverityInfo
			},
			true,
		},
		{
			"category mismatch",
			func(r *Rule, a *schema.Alert) { a.Category = schema.CategorySystem },
			false,
		},
		{
			"severity mismatch",
			func(r *Rule, a *schema.Alert) { a.Severity = schema.SeverityInfo },
			false,
		},
		{
			"no keyword in text fields",
			func(r *Rule, a *schema.Alert) {
				a.Title = "Routine delivery completed"
				a.Description = "No issues reported"
			},
			false,
		},
		{
			"keyword in title only",
			func(r *Rule, a *schema.Alert) {
				a.Title = "Shipment missing"
				a.Description = "No further details"
			},
			true,
		},
		{
			"keyword match is case-insensitive",
			func(r *Rule, a *schema.Alert) {
				a.Title = "HIGH-VALUE shipment delayed"
				a.Description = ""
			},
			true,
		},
		{
			"multiple categories allowed",
			func(r *Rule, a *schema.Alert) {
				r.Triggers.Categories = []string{schema.CategorySystem, schema.CategoryAnomalies}
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			alert := matchAlert()
			tt.mutate(rule, alert)
			if got := Matches(alert, rule); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchSkipsInactiveRules(t *testing.T) {
	active := validRule()
	inactive := validRule()
	inactive.ID = "rule-inactive"
	inactive.Active = false

	matched := Match(matchAlert(), []*Rule{active, inactive})
	if len(matched) != 1 {
		t.Fatalf("Match() = %d rules, want 1", len(matched))
	}
	if matched[0].ID != active.ID {
		t.Errorf("matched rule = %q", matched[0].ID)
	}
}

func TestMatchReturnsAllIndependentMatches(t *testing.T) {
	first := validRule()
	second := validRule()
	second.ID = "rule-broad"
	second.Triggers = Triggers{}

	matched := Match(matchAlert(), []*Rule{first, second})
	if len(matched) != 2 {
		t.Fatalf("Match() = %d rules, want both rules to escalate independently", len(matched))
	}
}

func TestMatchNoRules(t *testing.T) {
	if matched := Match(matchAlert(), nil); matched != nil {
		t.Errorf("Match() = %v, want nil", matched)
	}
}

func TestTestRule(t *testing.T) {
	alert := matchAlert()

	rule := validRule()
	result := TestRule(alert, rule)
	if !result.Matched || !result.WouldOpenCase {
		t.Errorf("result = %+v, want matched and would open case", result)
	}
	if result.Levels != 3 {
		t.Errorf("Levels = %d, want 3", result.Levels)
	}

	rule.Active = false
	result = TestRule(alert, rule)
	if !result.Matched {
		t.Error("inactive rules must still be evaluated in dry runs")
	}
	if result.WouldOpenCase {
		t.Error("inactive rule must not report it would open a case")
	}

	rule.Active = true
	rule.Conditions.RepeatCount = 3
	result = TestRule(alert, rule)
	if result.WouldOpenCase {
		t.Error("repeat-count gate should hold a first match back")
	}
}
