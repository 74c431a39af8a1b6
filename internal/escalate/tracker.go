package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/dispatch"
	"opsrelay/internal/rules"
	"opsrelay/internal/schema"
)

// ErrCaseNotFound is returned when a case id is unknown to the tracker.
var ErrCaseNotFound = fmt.Errorf("case not found")

// TimerScheduler is the slice of the scheduler the tracker needs.
type TimerScheduler interface {
	Schedule(ctx context.Context, caseID uuid.UUID, level int, delay time.Duration) (uuid.UUID, error)
	Cancel(ctx context.Context, timerID uuid.UUID) (bool, error)
}

// Dispatcher executes one action to completion, retries included.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) *dispatch.Outcome
}

// OpsAlertFunc surfaces engine-internal failures that break the escalation
// guarantee, such as an unavailable timer store.
type OpsAlertFunc func(ctx context.Context, err error)

// caseEntry pairs a case with its lock. All reads and writes of the case go
// through this lock; the ack-vs-fire race is settled by whoever takes it
// first, the loser observes the new state and becomes a no-op.
type caseEntry struct {
	mu sync.Mutex
	c  *Case
}

// repeatCounter tracks rule matches per (rule, alert identity) inside a
// sliding window, gating case creation on conditions.repeat_count.
type repeatCounter struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// Tracker owns every escalation case. It is the only writer of case state:
// alert matches, timer fires and acknowledgments all funnel through it.
type Tracker struct {
	rules      *rules.Store
	sched      TimerScheduler
	dispatcher Dispatcher
	recorder   Recorder
	opsAlert   OpsAlertFunc

	mu            sync.RWMutex
	cases         map[uuid.UUID]*caseEntry
	byFingerprint map[string][]uuid.UUID
	repeats       map[string]*repeatCounter
}

// NewTracker creates a tracker. recorder and opsAlert may be nil.
func NewTracker(store *rules.Store, sched TimerScheduler, dispatcher Dispatcher, recorder Recorder, opsAlert OpsAlertFunc) *Tracker {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Tracker{
		rules:         store,
		sched:         sched,
		dispatcher:    dispatcher,
		recorder:      recorder,
		opsAlert:      opsAlert,
		cases:         make(map[uuid.UUID]*caseEntry),
		byFingerprint: make(map[string][]uuid.UUID),
		repeats:       make(map[string]*repeatCounter),
	}
}

// HandleAlert matches an alert against the active rule set and opens one
// case per matching rule, subject to each rule's repeat-count gate. Returns
// the cases opened; an empty result is the normal outcome for most alerts.
func (t *Tracker) HandleAlert(ctx context.Context, alert *schema.Alert) []*Case {
	matched := rules.Match(alert, t.rules.ActiveSnapshot())
	if len(matched) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var opened []*Case
	for _, rule := range matched {
		if !t.passRepeatGate(rule, alert, now) {
			slog.Debug("repeat-count gate held match back",
				"rule_id", rule.ID,
				"alert", alert.Identity(),
				"required", rule.Conditions.RepeatCount)
			continue
		}
		opened = append(opened, t.openCase(ctx, rule, alert, now))
	}
	return opened
}

// passRepeatGate counts a match and reports whether the threshold was
// reached. Reaching it resets the counter; a stale window restarts it.
func (t *Tracker) passRepeatGate(rule *rules.Rule, alert *schema.Alert, now time.Time) bool {
	if rule.Conditions.RepeatCount <= 1 {
		return true
	}

	key := rule.ID + "|" + alert.Identity()

	t.mu.Lock()
	defer t.mu.Unlock()

	rc := t.repeats[key]
	if rc == nil || now.Sub(rc.windowStart) > rule.RepeatWindow() {
		rc = &repeatCounter{windowStart: now, window: rule.RepeatWindow()}
		t.repeats[key] = rc
	}
	rc.count++
	if rc.count >= rule.Conditions.RepeatCount {
		delete(t.repeats, key)
		return true
	}
	return false
}

func (t *Tracker) openCase(ctx context.Context, rule *rules.Rule, alert *schema.Alert, now time.Time) *Case {
	c := &Case{
		CaseID:    uuid.New(),
		RuleID:    rule.ID,
		Rule:      rule,
		Alert:     alert,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := &caseEntry{c: c}

	t.mu.Lock()
	t.cases[c.CaseID] = entry
	fp := alert.Identity()
	t.byFingerprint[fp] = append(t.byFingerprint[fp], c.CaseID)
	t.mu.Unlock()

	t.recorder.Record(ctx, Event{Kind: EventCaseOpened, CaseID: c.CaseID, RuleID: rule.ID, At: now})
	slog.Info("escalation case opened",
		"case_id", c.CaseID,
		"rule_id", rule.ID,
		"alert", alert.Identity(),
		"levels", len(rule.Levels))

	entry.mu.Lock()
	t.scheduleLevel(ctx, c, 1, rule.Levels[0].Delay)
	entry.mu.Unlock()

	return c.Clone()
}

// scheduleLevel must be called with the case lock held. A store failure is
// fatal for the guarantee, so it raises an operational alert instead of
// failing silently.
func (t *Tracker) scheduleLevel(ctx context.Context, c *Case, level int, delay time.Duration) {
	timerID, err := t.sched.Schedule(ctx, c.CaseID, level, delay)
	if err != nil {
		c.ActiveTimerID = uuid.Nil
		c.UpdatedAt = time.Now().UTC()
		t.recorder.Record(ctx, Event{
			Kind:   EventScheduleFailed,
			CaseID: c.CaseID,
			RuleID: c.RuleID,
			Level:  level,
			Detail: err.Error(),
			At:     c.UpdatedAt,
		})
		slog.Error("escalation timer could not be scheduled",
			"case_id", c.CaseID, "level", level, "error", err)
		if t.opsAlert != nil {
			t.opsAlert(ctx, err)
		}
		return
	}
	c.ActiveTimerID = timerID
	c.UpdatedAt = time.Now().UTC()
}

// HandleSignal routes an acknowledgment or resolution to the matching case
// or, when only a fingerprint is given, to every open case for that alert.
func (t *Tracker) HandleSignal(ctx context.Context, sig *schema.Signal) ([]*Case, error) {
	terminal := StateAcknowledged
	if sig.Kind == schema.SignalResolve {
		terminal = StateResolved
	}

	if sig.CaseID != nil {
		c, _, err := t.close(ctx, *sig.CaseID, terminal, sig.Actor)
		if err != nil {
			return nil, err
		}
		return []*Case{c}, nil
	}

	t.mu.RLock()
	ids := append([]uuid.UUID(nil), t.byFingerprint[sig.Fingerprint]...)
	t.mu.RUnlock()

	var closed []*Case
	for _, id := range ids {
		c, changed, err := t.close(ctx, id, terminal, sig.Actor)
		if err != nil || !changed {
			continue
		}
		closed = append(closed, c)
	}
	return closed, nil
}

// Acknowledge marks a case acknowledged and cancels its outstanding timer.
// A case already terminal is left untouched and reported as unchanged.
func (t *Tracker) Acknowledge(ctx context.Context, caseID uuid.UUID, actor string) (*Case, bool, error) {
	return t.close(ctx, caseID, StateAcknowledged, actor)
}

// Resolve marks a case resolved; same cancellation semantics as Acknowledge.
func (t *Tracker) Resolve(ctx context.Context, caseID uuid.UUID, actor string) (*Case, bool, error) {
	return t.close(ctx, caseID, StateResolved, actor)
}

func (t *Tracker) close(ctx context.Context, caseID uuid.UUID, terminal CaseState, actor string) (*Case, bool, error) {
	entry := t.entry(caseID)
	if entry == nil {
		return nil, false, ErrCaseNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.c
	if c.State.IsTerminal() {
		// Second ack of the same case, or ack racing a resolve. No-op.
		return c.Clone(), false, nil
	}

	if c.ActiveTimerID != uuid.Nil {
		if _, err := t.sched.Cancel(ctx, c.ActiveTimerID); err != nil {
			// The state write below still wins the race: a claimed timer
			// fires into a terminal case and no-ops under this lock.
			slog.Warn("timer cancel failed", "case_id", caseID, "error", err)
		}
		c.ActiveTimerID = uuid.Nil
	}

	now := time.Now().UTC()
	c.State = terminal
	c.UpdatedAt = now

	var kind EventKind
	switch terminal {
	case StateAcknowledged:
		c.AcknowledgedAt = &now
		c.AcknowledgedBy = actor
		kind = EventCaseAcked
	case StateResolved:
		c.ResolvedAt = &now
		c.ResolvedBy = actor
		kind = EventCaseResolved
	}

	t.recorder.Record(ctx, Event{Kind: kind, CaseID: caseID, RuleID: c.RuleID, Actor: actor, At: now})
	slog.Info("escalation case closed",
		"case_id", caseID,
		"state", c.State,
		"actor", actor,
		"reached_level", c.CurrentLevel)
	return c.Clone(), true, nil
}

func (t *Tracker) entry(caseID uuid.UUID) *caseEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cases[caseID]
}

// Get returns a copy of one case.
func (t *Tracker) Get(caseID uuid.UUID) (*Case, error) {
	entry := t.entry(caseID)
	if entry == nil {
		return nil, ErrCaseNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.c.Clone(), nil
}

// List returns copies of all cases, optionally filtered by state.
func (t *Tracker) List(state CaseState) []*Case {
	t.mu.RLock()
	entries := make([]*caseEntry, 0, len(t.cases))
	for _, entry := range t.cases {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()

	var out []*Case
	for _, entry := range entries {
		entry.mu.Lock()
		if state == "" || entry.c.State == state {
			out = append(out, entry.c.Clone())
		}
		entry.mu.Unlock()
	}
	return out
}

// Stats summarizes the case population for the reporting surface.
type Stats struct {
	TotalCases          int            `json:"total_cases"`
	ByState             map[string]int `json:"by_state"`
	AvgTimeToAckSeconds float64        `json:"avg_time_to_ack_seconds"`
	// EscalationRate is the share of cases that went past the first level.
	EscalationRate float64 `json:"escalation_rate"`
}

// Stats computes case counts by state, average time-to-acknowledge and the
// escalation rate.
func (t *Tracker) Stats() Stats {
	cases := t.List("")

	stats := Stats{ByState: make(map[string]int)}
	stats.TotalCases = len(cases)

	var ackTotal time.Duration
	var ackCount, escalated int
	for _, c := range cases {
		stats.ByState[string(c.State)]++
		if tta, ok := c.TimeToAcknowledge(); ok {
			ackTotal += tta
			ackCount++
		}
		if c.CurrentLevel > 1 {
			escalated++
		}
	}
	if ackCount > 0 {
		stats.AvgTimeToAckSeconds = ackTotal.Seconds() / float64(ackCount)
	}
	if stats.TotalCases > 0 {
		stats.EscalationRate = float64(escalated) / float64(stats.TotalCases)
	}
	return stats
}

// Sweep removes terminal cases last updated before the cutoff and returns
// them, so a caller can archive closed cases out of memory.
func (t *Tracker) Sweep(olderThan time.Duration) []*Case {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	// Repeat counters for matches that never reached their threshold are
	// dead weight once the window has passed.
	for key, rc := range t.repeats {
		if now.Sub(rc.windowStart) > rc.window {
			delete(t.repeats, key)
		}
	}

	var swept []*Case
	for id, entry := range t.cases {
		entry.mu.Lock()
		closed := entry.c.State.IsTerminal() && entry.c.UpdatedAt.Before(cutoff)
		if closed {
			swept = append(swept, entry.c.Clone())
			delete(t.cases, id)
			fp := entry.c.Alert.Identity()
			t.byFingerprint[fp] = removeID(t.byFingerprint[fp], id)
			if len(t.byFingerprint[fp]) == 0 {
				delete(t.byFingerprint, fp)
			}
		}
		entry.mu.Unlock()
	}

	if len(swept) > 0 {
		slog.Info("terminal cases swept", "count", len(swept))
	}
	return swept
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
