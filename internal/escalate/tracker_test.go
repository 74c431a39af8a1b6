package escalate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/dispatch"
	"opsrelay/internal/rules"
	"opsrelay/internal/schema"
)

// fakeScheduler records scheduled timers without a clock; tests deliver
// fires by hand through HandleTimer.
type fakeScheduler struct {
	mu      sync.Mutex
	pending map[uuid.UUID]fakeTimer
	failAdd bool
}

type fakeTimer struct {
	timerID uuid.UUID
	caseID  uuid.UUID
	level   int
	delay   time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: make(map[uuid.UUID]fakeTimer)}
}

func (f *fakeScheduler) Schedule(_ context.Context, caseID uuid.UUID, level int, delay time.Duration) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return uuid.Nil, errors.New("timer store unavailable")
	}
	id := uuid.New()
	f.pending[id] = fakeTimer{timerID: id, caseID: caseID, level: level, delay: delay}
	return id, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, timerID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[timerID]; !ok {
		return false, nil
	}
	delete(f.pending, timerID)
	return true, nil
}

// take removes and returns the single pending timer, failing the test if
// there is not exactly one.
func (f *fakeScheduler) take(t *testing.T) fakeTimer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) != 1 {
		t.Fatalf("pending timers = %d, want exactly 1", len(f.pending))
	}
	for id, timer := range f.pending {
		delete(f.pending, id)
		return timer
	}
	panic("unreachable")
}

func (f *fakeScheduler) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// recDispatcher records every dispatch with its wall-clock time.
type recDispatcher struct {
	mu         sync.Mutex
	dispatched []dispatchRecord
	fail       bool
}

type dispatchRecord struct {
	req dispatch.Request
	at  time.Time
}

func (r *recDispatcher) Dispatch(_ context.Context, req dispatch.Request) *dispatch.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, dispatchRecord{req: req, at: time.Now().UTC()})
	status := dispatch.StatusSent
	var lastErr string
	if r.fail {
		status = dispatch.StatusDeadLetter
		lastErr = "upstream down"
	}
	return &dispatch.Outcome{
		Key:        req.IdempotencyKey(),
		CaseID:     req.CaseID,
		Level:      req.Level,
		ActionType: req.Action.Type,
		Status:     status,
		LastError:  lastErr,
	}
}

func (r *recDispatcher) records() []dispatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatchRecord, len(r.dispatched))
	copy(out, r.dispatched)
	return out
}

// memRecorder collects audit events.
type memRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (m *memRecorder) Record(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memRecorder) byKind(kind EventKind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func twoLevelRule() *rules.Rule {
	return &rules.Rule{
		ID:     "rule-critical",
		Name:   "Critical Escalation",
		Active: true,
		Triggers: rules.Triggers{
			Severities: []string{schema.SeverityCritical},
		},
		Conditions: rules.Conditions{
			NoResponseTime: 30 * time.Minute,
			RepeatCount:    1,
		},
		Levels: []rules.Level{
			{Level: 1, Delay: 0, Actions: []rules.Action{
				{Type: rules.ActionNotifyUser, Target: "assigned_user"},
			}},
			{Level: 2, Delay: 30 * time.Minute, Actions: []rules.Action{
				{Type: rules.ActionNotifyManager, Target: "operations_manager"},
			}},
		},
	}
}

func criticalAlert() *schema.Alert {
	return &schema.Alert{
		AlertID:     uuid.New(),
		Timestamp:   time.Now().UTC(),
		Category:    schema.CategoryAnomalies,
		Severity:    schema.SeverityCritical,
		Title:       "High-value package lost in transit",
		Fingerprint: "pkg-4481-missing",
	}
}

type fixture struct {
	store      *rules.Store
	sched      *fakeScheduler
	dispatcher *recDispatcher
	recorder   *memRecorder
	tracker    *Tracker
}

func newFixture(t *testing.T, rs ...*rules.Rule) *fixture {
	t.Helper()
	store := rules.NewStore()
	for _, r := range rs {
		if err := store.Create(r); err != nil {
			t.Fatal(err)
		}
	}
	sched := newFakeScheduler()
	dispatcher := &recDispatcher{}
	recorder := &memRecorder{}
	tracker := NewTracker(store, sched, dispatcher, recorder, nil)
	return &fixture{store: store, sched: sched, dispatcher: dispatcher, recorder: recorder, tracker: tracker}
}

func (f *fixture) fire(t *testing.T, ctx context.Context) fakeTimer {
	t.Helper()
	timer := f.sched.take(t)
	f.tracker.HandleTimer(ctx, timer.caseID, timer.timerID, timer.level)
	return timer
}

// Scenario: a never-acknowledged case walks every level in order, each
// exactly once, then expires.
func TestEscalationRunsAllLevelsThenExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	opened := f.tracker.HandleAlert(ctx, criticalAlert())
	if len(opened) != 1 {
		t.Fatalf("opened %d cases, want 1", len(opened))
	}
	caseID := opened[0].CaseID
	if opened[0].State != StatePending {
		t.Errorf("state = %q, want pending", opened[0].State)
	}

	// Level 1, immediate.
	timer := f.fire(t, ctx)
	if timer.level != 1 || timer.delay != 0 {
		t.Errorf("first timer = level %d delay %v, want level 1 delay 0", timer.level, timer.delay)
	}

	c, err := f.tracker.Get(caseID)
	if err != nil {
		t.Fatal(err)
	}
	if c.CurrentLevel != 1 || c.State != StatePending {
		t.Errorf("after L1: level=%d state=%q", c.CurrentLevel, c.State)
	}

	// Level 2 scheduled with its own delay.
	timer = f.fire(t, ctx)
	if timer.level != 2 || timer.delay != 30*time.Minute {
		t.Errorf("second timer = level %d delay %v, want level 2 delay 30m", timer.level, timer.delay)
	}

	c, err = f.tracker.Get(caseID)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != StateExpired {
		t.Errorf("state = %q, want expired after final level", c.State)
	}
	if c.CurrentLevel != 2 {
		t.Errorf("CurrentLevel = %d, want 2", c.CurrentLevel)
	}
	if f.sched.pendingCount() != 0 {
		t.Errorf("pending timers = %d after expiry, want 0", f.sched.pendingCount())
	}

	recs := f.dispatcher.records()
	if len(recs) != 2 {
		t.Fatalf("dispatched %d actions, want 2", len(recs))
	}
	if recs[0].req.Action.Type != rules.ActionNotifyUser || recs[1].req.Action.Type != rules.ActionNotifyManager {
		t.Error("actions dispatched out of level order")
	}
}

// Trigger counter increments once per level fired, not per case or match.
func TestTriggerCountIncrementsPerLevelFire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	f.tracker.HandleAlert(ctx, criticalAlert())

	rule, _ := f.store.Get("rule-critical")
	if rule.TriggerCount != 0 {
		t.Errorf("TriggerCount = %d before any fire, want 0", rule.TriggerCount)
	}

	f.fire(t, ctx)
	rule, _ = f.store.Get("rule-critical")
	if rule.TriggerCount != 1 {
		t.Errorf("TriggerCount = %d after L1, want 1", rule.TriggerCount)
	}
	if rule.LastTriggeredAt == nil {
		t.Error("LastTriggeredAt not stamped")
	}

	f.fire(t, ctx)
	rule, _ = f.store.Get("rule-critical")
	if rule.TriggerCount != 2 {
		t.Errorf("TriggerCount = %d after L2, want 2", rule.TriggerCount)
	}
}

// Scenario: acknowledgment cancels the outstanding timer; the remaining
// level never dispatches.
func TestAcknowledgeCancelsPendingEscalation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	opened := f.tracker.HandleAlert(ctx, criticalAlert())
	caseID := opened[0].CaseID
	f.fire(t, ctx) // L1

	ackAt := time.Now().UTC()
	c, changed, err := f.tracker.Acknowledge(ctx, caseID, "ops-amara")
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if !changed {
		t.Fatal("Acknowledge() changed = false for pending case")
	}
	if c.State != StateAcknowledged || c.AcknowledgedBy != "ops-amara" {
		t.Errorf("case = %+v", c)
	}
	if f.sched.pendingCount() != 0 {
		t.Errorf("pending timers = %d after ack, want 0", f.sched.pendingCount())
	}

	// No dispatch is recorded after the acknowledgment time.
	for _, rec := range f.dispatcher.records() {
		if rec.at.After(ackAt) {
			t.Errorf("action dispatched at %v, after ack at %v", rec.at, ackAt)
		}
	}
	if n := len(f.dispatcher.records()); n != 1 {
		t.Errorf("dispatched %d actions, want 1 (L1 only)", n)
	}
}

// The losing side of the ack-vs-fire race observes the terminal state and
// becomes a no-op, even when its timer was already claimed.
func TestTimerFireAfterAcknowledgeIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	opened := f.tracker.HandleAlert(ctx, criticalAlert())
	caseID := opened[0].CaseID
	f.fire(t, ctx) // L1

	// Claim the L2 timer first, simulating the poller having popped it just
	// as the acknowledgment arrives.
	timer := f.sched.take(t)

	if _, changed, err := f.tracker.Acknowledge(ctx, caseID, "ops-amara"); err != nil || !changed {
		t.Fatalf("Acknowledge() = %v, %v", changed, err)
	}

	f.tracker.HandleTimer(ctx, timer.caseID, timer.timerID, timer.level)

	if n := len(f.dispatcher.records()); n != 1 {
		t.Errorf("dispatched %d actions, want 1 (L2 must not fire after ack)", n)
	}
	c, _ := f.tracker.Get(caseID)
	if c.State != StateAcknowledged {
		t.Errorf("state = %q, want acknowledged", c.State)
	}
}

// Scenario: two concurrent acknowledgments; exactly one transitions.
func TestConcurrentAcknowledgments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	opened := f.tracker.HandleAlert(ctx, criticalAlert())
	caseID := opened[0].CaseID

	const goroutines = 8
	var wg sync.WaitGroup
	changes := make([]bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, changed, err := f.tracker.Acknowledge(ctx, caseID, "ops")
			if err != nil {
				t.Errorf("Acknowledge() error = %v", err)
			}
			changes[i] = changed
		}(i)
	}
	wg.Wait()

	won := 0
	for _, changed := range changes {
		if changed {
			won++
		}
	}
	if won != 1 {
		t.Errorf("%d acknowledgments won the transition, want exactly 1", won)
	}
}

// Scenario: deactivating the rule does not cancel the in-flight case.
func TestRuleDeactivationLeavesInFlightCases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	opened := f.tracker.HandleAlert(ctx, criticalAlert())
	caseID := opened[0].CaseID
	f.fire(t, ctx) // L1

	if err := f.store.SetActive("rule-critical", false); err != nil {
		t.Fatal(err)
	}

	f.fire(t, ctx) // L2 still fires
	c, _ := f.tracker.Get(caseID)
	if c.State != StateExpired || c.CurrentLevel != 2 {
		t.Errorf("case = state %q level %d, want expired at level 2", c.State, c.CurrentLevel)
	}
	if n := len(f.dispatcher.records()); n != 2 {
		t.Errorf("dispatched %d actions, want 2", n)
	}

	// New alerts no longer open cases.
	if opened := f.tracker.HandleAlert(ctx, criticalAlert()); len(opened) != 0 {
		t.Errorf("opened %d cases against inactive rule, want 0", len(opened))
	}
}

// Duplicate timer delivery for the same (case, level) is a no-op.
func TestDuplicateTimerDeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	f.tracker.HandleAlert(ctx, criticalAlert())
	timer := f.sched.take(t)

	f.tracker.HandleTimer(ctx, timer.caseID, timer.timerID, timer.level)
	f.tracker.HandleTimer(ctx, timer.caseID, timer.timerID, timer.level)

	if n := len(f.dispatcher.records()); n != 1 {
		t.Errorf("dispatched %d actions for duplicate delivery, want 1", n)
	}
}

func TestRepeatCountGate(t *testing.T) {
	ctx := context.Background()
	rule := twoLevelRule()
	rule.Conditions.RepeatCount = 3
	f := newFixture(t, rule)

	alert := criticalAlert()
	if opened := f.tracker.HandleAlert(ctx, alert); len(opened) != 0 {
		t.Fatal("first match must be held back by the gate")
	}
	if opened := f.tracker.HandleAlert(ctx, alert); len(opened) != 0 {
		t.Fatal("second match must be held back by the gate")
	}
	opened := f.tracker.HandleAlert(ctx, alert)
	if len(opened) != 1 {
		t.Fatalf("third match opened %d cases, want 1", len(opened))
	}

	// Reaching the threshold resets the counter.
	if opened := f.tracker.HandleAlert(ctx, alert); len(opened) != 0 {
		t.Error("counter must reset after a case opens")
	}
}

func TestRepeatGateWindowExpiry(t *testing.T) {
	rule := twoLevelRule()
	rule.Conditions.RepeatCount = 2
	f := newFixture(t, rule)
	alert := criticalAlert()

	base := time.Now().UTC()
	if f.tracker.passRepeatGate(rule, alert, base) {
		t.Fatal("first match must not pass")
	}
	// Second match lands outside the window; the counter restarts.
	stale := base.Add(rule.RepeatWindow() + time.Second)
	if f.tracker.passRepeatGate(rule, alert, stale) {
		t.Error("match after window expiry must restart the count, not pass")
	}
	if !f.tracker.passRepeatGate(rule, alert, stale.Add(time.Second)) {
		t.Error("second in-window match must pass")
	}
}

func TestRepeatGateKeyedByAlertIdentity(t *testing.T) {
	ctx := context.Background()
	rule := twoLevelRule()
	rule.Conditions.RepeatCount = 2
	f := newFixture(t, rule)

	first := criticalAlert()
	other := criticalAlert()
	other.Fingerprint = "different-alert"

	f.tracker.HandleAlert(ctx, first)
	// A different alert identity does not advance first's counter.
	if opened := f.tracker.HandleAlert(ctx, other); len(opened) != 0 {
		t.Fatal("distinct identity must keep its own count")
	}
	if opened := f.tracker.HandleAlert(ctx, first); len(opened) != 1 {
		t.Error("second match of the same identity must open the case")
	}
}

func TestHandleSignalResolvesByFingerprint(t *testing.T) {
	ctx := context.Background()
	broad := twoLevelRule()
	broad.ID = "rule-broad"
	broad.Triggers = rules.Triggers{}
	f := newFixture(t, twoLevelRule(), broad)

	alert := criticalAlert()
	opened := f.tracker.HandleAlert(ctx, alert)
	if len(opened) != 2 {
		t.Fatalf("opened %d cases, want 2 (independent rules)", len(opened))
	}

	closed, err := f.tracker.HandleSignal(ctx, &schema.Signal{
		Kind:        schema.SignalResolve,
		Fingerprint: alert.Fingerprint,
		Actor:       "monitoring",
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("HandleSignal() error = %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("closed %d cases, want 2", len(closed))
	}
	for _, c := range closed {
		if c.State != StateResolved {
			t.Errorf("case %s state = %q, want resolved", c.CaseID, c.State)
		}
	}
}

func TestHandleSignalUnknownCase(t *testing.T) {
	f := newFixture(t, twoLevelRule())
	id := uuid.New()
	_, err := f.tracker.HandleSignal(context.Background(), &schema.Signal{
		Kind:   schema.SignalAcknowledge,
		CaseID: &id,
		Actor:  "ops",
	})
	if !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("error = %v, want ErrCaseNotFound", err)
	}
}

func TestSchedulingFailureRaisesOpsAlert(t *testing.T) {
	ctx := context.Background()
	store := rules.NewStore()
	if err := store.Create(twoLevelRule()); err != nil {
		t.Fatal(err)
	}
	sched := newFakeScheduler()
	sched.failAdd = true
	recorder := &memRecorder{}

	var opsErr error
	tracker := NewTracker(store, sched, &recDispatcher{}, recorder, func(_ context.Context, err error) {
		opsErr = err
	})

	tracker.HandleAlert(ctx, criticalAlert())

	if opsErr == nil {
		t.Error("scheduling failure must raise an operational alert")
	}
	if len(recorder.byKind(EventScheduleFailed)) != 1 {
		t.Error("scheduling failure must be recorded")
	}
}

func TestFailedActionRecordedNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())
	f.dispatcher.fail = true

	f.tracker.HandleAlert(ctx, criticalAlert())
	f.fire(t, ctx) // L1 dead-letters

	if len(f.recorder.byKind(EventActionFailed)) != 1 {
		t.Error("failed dispatch must appear in case history")
	}
	// The chain continues regardless.
	if f.sched.pendingCount() != 1 {
		t.Error("next level must still be scheduled after a failed action")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	a := criticalAlert()
	b := criticalAlert()
	b.Fingerprint = "other-incident"

	openedA := f.tracker.HandleAlert(ctx, a)
	f.tracker.HandleAlert(ctx, b)

	if _, _, err := f.tracker.Acknowledge(ctx, openedA[0].CaseID, "ops"); err != nil {
		t.Fatal(err)
	}

	stats := f.tracker.Stats()
	if stats.TotalCases != 2 {
		t.Errorf("TotalCases = %d, want 2", stats.TotalCases)
	}
	if stats.ByState[string(StateAcknowledged)] != 1 || stats.ByState[string(StatePending)] != 1 {
		t.Errorf("ByState = %v", stats.ByState)
	}
	if stats.AvgTimeToAckSeconds < 0 {
		t.Errorf("AvgTimeToAckSeconds = %v", stats.AvgTimeToAckSeconds)
	}
}

func TestSweepRemovesOnlyOldTerminalCases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoLevelRule())

	opened := f.tracker.HandleAlert(ctx, criticalAlert())
	caseID := opened[0].CaseID
	if _, _, err := f.tracker.Acknowledge(ctx, caseID, "ops"); err != nil {
		t.Fatal(err)
	}

	// Cutoff in the future relative to nothing: zero olderThan sweeps all
	// terminal cases immediately.
	if swept := f.tracker.Sweep(time.Hour); len(swept) != 0 {
		t.Errorf("swept %d fresh cases, want 0", len(swept))
	}
	swept := f.tracker.Sweep(-time.Second)
	if len(swept) != 1 {
		t.Fatalf("swept %d cases, want 1", len(swept))
	}
	if _, err := f.tracker.Get(caseID); !errors.Is(err, ErrCaseNotFound) {
		t.Error("swept case must be gone from the tracker")
	}
}

func TestTimerForUnknownCaseRaisesOpsAlert(t *testing.T) {
	var mu sync.Mutex
	var alerts []error
	tracker := NewTracker(rules.NewStore(), newFakeScheduler(), &recDispatcher{}, nil,
		func(_ context.Context, err error) {
			mu.Lock()
			alerts = append(alerts, err)
			mu.Unlock()
		})

	tracker.HandleTimer(context.Background(), uuid.New(), uuid.New(), 1)

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Fatalf("ops alerts = %d, want 1", len(alerts))
	}
}

func TestSweepDropsExpiredRepeatWindows(t *testing.T) {
	ctx := context.Background()
	rule := twoLevelRule()
	rule.Conditions.RepeatCount = 3
	f := newFixture(t, rule)

	// One below-threshold match per identity leaves a counter behind.
	for _, fp := range []string{"flap-a", "flap-b", "flap-c", "flap-d"} {
		alert := criticalAlert()
		alert.Fingerprint = fp
		f.tracker.HandleAlert(ctx, alert)
	}

	f.tracker.mu.Lock()
	if got := len(f.tracker.repeats); got != 4 {
		f.tracker.mu.Unlock()
		t.Fatalf("repeat counters = %d, want 4", got)
	}
	for _, rc := range f.tracker.repeats {
		rc.windowStart = rc.windowStart.Add(-2 * rc.window)
	}
	f.tracker.mu.Unlock()

	f.tracker.Sweep(time.Hour)

	f.tracker.mu.RLock()
	remaining := len(f.tracker.repeats)
	f.tracker.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("repeat counters after sweep = %d, want 0", remaining)
	}
}
