// Package schema defines the canonical alert and signal formats for opsrelay.
// All ingested alerts are normalized to this structure before matching.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current alert schema version.
const SchemaVersion = "1.0"

// Known alert categories. The set mirrors the notification categories of the
// upstream dashboard; unknown categories are rejected only in strict mode.
const (
	CategoryAnomalies  = "anomalies"
	CategoryAIAgents   = "ai_agents"
	CategorySystem     = "system"
	CategoryOperations = "operations"
	CategoryUsers      = "users"
)

// Known alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// KnownCategories lists the categories accepted in strict mode.
var KnownCategories = map[string]bool{
	CategoryAnomalies:  true,
	CategoryAIAgents:   true,
	CategorySystem:     true,
	CategoryOperations: true,
	CategoryUsers:      true,
}

// KnownSeverities lists the severities accepted in strict mode.
var KnownSeverities = map[string]bool{
	SeverityCritical: true,
	SeverityWarning:  true,
	SeverityInfo:     true,
}

// Alert represents the canonical inbound alert format.
type Alert struct {
	// Required fields
	AlertID   uuid.UUID `json:"alert_id" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Category  string    `json:"category" validate:"required,max=64"`
	Severity  string    `json:"severity" validate:"required,max=32"`
	Title     string    `json:"title" validate:"required,max=1024"`

	// Optional fields
	Description string         `json:"description,omitempty" validate:"max=65536"`
	Source      Source         `json:"source,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty" validate:"max=512"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Internal fields (set by system)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Source identifies where the alert originated.
type Source struct {
	Product    string `json:"product,omitempty" validate:"max=256"`
	Host       string `json:"host,omitempty" validate:"max=256"`
	InstanceID string `json:"instance_id,omitempty" validate:"max=128"`
}

// Identity returns the stable identity of the underlying condition.
// Repeat-count gating and resolution signals key on this value: alerts
// describing the same condition share a fingerprint, so re-fired alerts
// without one fall back to their unique alert ID and never debounce.
func (a *Alert) Identity() string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	return a.AlertID.String()
}

// TextFields returns the free-text fields searched by keyword triggers.
func (a *Alert) TextFields() []string {
	fields := []string{a.Title}
	if a.Description != "" {
		fields = append(fields, a.Description)
	}
	return fields
}

// ContainsKeyword reports whether any text field contains the keyword,
// case-insensitively.
func (a *Alert) ContainsKeyword(keyword string) bool {
	kw := strings.ToLower(keyword)
	for _, f := range a.TextFields() {
		if strings.Contains(strings.ToLower(f), kw) {
			return true
		}
	}
	return false
}

// SignalKind distinguishes acknowledgment from resolution signals.
type SignalKind string

const (
	SignalAcknowledge SignalKind = "acknowledge"
	SignalResolve     SignalKind = "resolve"
)

// Signal represents an inbound acknowledgment or resolution event.
// Either CaseID or Fingerprint identifies the target; a fingerprint
// addresses every open case for that alert identity.
type Signal struct {
	Kind        SignalKind `json:"kind"`
	CaseID      *uuid.UUID `json:"case_id,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Actor       string     `json:"actor"`
	Timestamp   time.Time  `json:"timestamp"`
}

// IsValid checks if the signal kind is a valid value.
func (k SignalKind) IsValid() bool {
	switch k {
	case SignalAcknowledge, SignalResolve:
		return true
	}
	return false
}
