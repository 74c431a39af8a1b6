// Package escalate owns escalation cases: their state machine, the
// per-case serialization that resolves timer-vs-acknowledgment races, and
// the level execution that walks a rule's plan until someone responds.
package escalate

import (
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/rules"
	"opsrelay/internal/schema"
)

// CaseState is the lifecycle state of an escalation case.
type CaseState string

const (
	// StatePending waits for the next level timer or a human response.
	StatePending CaseState = "pending"
	// StateEscalating is transient while a level's actions dispatch.
	StateEscalating CaseState = "escalating"
	// StateAcknowledged means a human took ownership. Terminal.
	StateAcknowledged CaseState = "acknowledged"
	// StateResolved means the underlying condition cleared. Terminal.
	StateResolved CaseState = "resolved"
	// StateExpired means the final level fired with no response. Terminal.
	StateExpired CaseState = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s CaseState) IsTerminal() bool {
	switch s {
	case StateAcknowledged, StateResolved, StateExpired:
		return true
	}
	return false
}

// LevelFire records one level having completed dispatch.
type LevelFire struct {
	Level   int       `json:"level"`
	FiredAt time.Time `json:"fired_at"`
}

// Case is one live escalation of one rule for one alert. The rule is
// snapshotted at creation so later edits never alter an in-flight case.
type Case struct {
	CaseID uuid.UUID     `json:"case_id"`
	RuleID string        `json:"rule_id"`
	Rule   *rules.Rule   `json:"-"`
	Alert  *schema.Alert `json:"alert"`

	State CaseState `json:"state"`
	// CurrentLevel is the highest level whose actions completed dispatch.
	// 0 before any level has fired.
	CurrentLevel int         `json:"current_level"`
	LevelFires   []LevelFire `json:"level_fires,omitempty"`

	// ActiveTimerID is the one outstanding timer, or uuid.Nil.
	ActiveTimerID uuid.UUID `json:"active_timer_id,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`
}

// Clone returns a copy safe to hand out while the tracker keeps mutating
// the original under the case lock.
func (c *Case) Clone() *Case {
	cp := *c
	cp.LevelFires = append([]LevelFire(nil), c.LevelFires...)
	if c.AcknowledgedAt != nil {
		t := *c.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	if c.ExpiredAt != nil {
		t := *c.ExpiredAt
		cp.ExpiredAt = &t
	}
	return &cp
}

// TimeToAcknowledge returns how long the case waited for a human, or false
// if it was never acknowledged.
func (c *Case) TimeToAcknowledge() (time.Duration, bool) {
	if c.AcknowledgedAt == nil {
		return 0, false
	}
	return c.AcknowledgedAt.Sub(c.CreatedAt), true
}
