package escalate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies case audit events.
type EventKind string

const (
	EventCaseOpened     EventKind = "case_opened"
	EventLevelFired     EventKind = "level_fired"
	EventCaseAcked      EventKind = "case_acknowledged"
	EventCaseResolved   EventKind = "case_resolved"
	EventCaseExpired    EventKind = "case_expired"
	EventActionFailed   EventKind = "action_failed"
	EventScheduleFailed EventKind = "schedule_failed"
)

// Event is one audit record in a case's history. Failed dispatches appear
// here as events, never as silent gaps.
type Event struct {
	Kind   EventKind `json:"kind"`
	CaseID uuid.UUID `json:"case_id"`
	RuleID string    `json:"rule_id"`
	Level  int       `json:"level,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Recorder receives case audit events. Implementations must be safe for
// concurrent use and must not block the tracker for long.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}
