package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/dispatch"
	"opsrelay/internal/scheduler"
)

// FireFunc adapts the tracker to the scheduler's delivery callback.
func (t *Tracker) FireFunc() scheduler.FireFunc {
	return func(ctx context.Context, timer scheduler.Timer) {
		t.HandleTimer(ctx, timer.CaseID, timer.TimerID, timer.Level)
	}
}

// HandleTimer executes one level fire. It re-reads case state under the
// case lock: a fire that lost the race to an acknowledgment, a stale or
// duplicate delivery, all degrade to a quiet no-op. While the case is still
// pending it dispatches the level's actions, bumps the rule counter once,
// advances the case and schedules the next level or expires the case.
func (t *Tracker) HandleTimer(ctx context.Context, caseID, timerID uuid.UUID, level int) {
	entry := t.entry(caseID)
	if entry == nil {
		// A durable timer outlived its case: case state was lost, usually a
		// restart with the Redis timer store. The escalation cannot resume,
		// so surface it instead of dropping it quietly.
		err := fmt.Errorf("timer %s fired for unknown case %s at level %d", timerID, caseID, level)
		slog.Error("timer fired for unknown case",
			"case_id", caseID, "timer_id", timerID, "level", level)
		if t.opsAlert != nil {
			t.opsAlert(ctx, err)
		}
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.c
	if c.State.IsTerminal() {
		slog.Debug("timer fired after terminal state",
			"case_id", caseID, "level", level, "state", c.State)
		return
	}
	if c.ActiveTimerID != timerID {
		slog.Debug("stale timer delivery ignored",
			"case_id", caseID, "level", level, "timer_id", timerID)
		return
	}
	if level != c.CurrentLevel+1 {
		slog.Warn("out-of-order timer delivery ignored",
			"case_id", caseID, "level", level, "current_level", c.CurrentLevel)
		return
	}

	c.State = StateEscalating
	c.ActiveTimerID = uuid.Nil

	plan := c.Rule.Levels[level-1]
	slog.Info("escalation level firing",
		"case_id", caseID,
		"rule_id", c.RuleID,
		"level", level,
		"actions", len(plan.Actions))

	// Partial failures advance the level anyway; retries already happened
	// inside the dispatcher and exhaustion is recorded, not fatal.
	for i, action := range plan.Actions {
		outcome := t.dispatcher.Dispatch(ctx, dispatch.Request{
			CaseID:      caseID,
			RuleID:      c.RuleID,
			Level:       level,
			ActionIndex: i,
			Action:      action,
			Alert:       c.Alert,
		})
		if outcome.Status == dispatch.StatusFailed || outcome.Status == dispatch.StatusDeadLetter {
			t.recorder.Record(ctx, Event{
				Kind:   EventActionFailed,
				CaseID: caseID,
				RuleID: c.RuleID,
				Level:  level,
				Detail: string(action.Type) + ": " + outcome.LastError,
				At:     time.Now().UTC(),
			})
		}
	}

	now := time.Now().UTC()
	t.rules.RecordTrigger(c.RuleID, now)
	t.recorder.Record(ctx, Event{Kind: EventLevelFired, CaseID: caseID, RuleID: c.RuleID, Level: level, At: now})

	c.CurrentLevel = level
	c.LevelFires = append(c.LevelFires, LevelFire{Level: level, FiredAt: now})
	c.UpdatedAt = now

	if level < len(c.Rule.Levels) {
		c.State = StatePending
		t.scheduleLevel(ctx, c, level+1, c.Rule.Levels[level].Delay)
		return
	}

	// Final level fired with no response.
	c.State = StateExpired
	c.ExpiredAt = &now
	t.recorder.Record(ctx, Event{Kind: EventCaseExpired, CaseID: caseID, RuleID: c.RuleID, At: now})
	slog.Info("escalation case expired", "case_id", caseID, "rule_id", c.RuleID, "levels_fired", level)
}
