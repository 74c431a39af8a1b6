// Package dispatch executes escalation actions against external channels
// with idempotency keys, bounded retries and a dead-letter record.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsrelay/internal/rules"
	"opsrelay/internal/schema"
)

// Status is the final delivery state of one action dispatch.
type Status string

const (
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusDuplicate  Status = "duplicate"
	StatusDeadLetter Status = "dead_letter"
)

// Request identifies one action of one level of one case. The triple
// (case, level, action index) is the idempotency key: retries and duplicate
// timer deliveries collapse onto the same key.
type Request struct {
	CaseID      uuid.UUID
	RuleID      string
	Level       int
	ActionIndex int
	Action      rules.Action
	Alert       *schema.Alert
}

// IdempotencyKey returns the stable key for this request.
func (r Request) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%d", r.CaseID, r.Level, r.ActionIndex)
}

// Outcome records what happened to one dispatch attempt sequence.
type Outcome struct {
	Key          string           `json:"key"`
	CaseID       uuid.UUID        `json:"case_id"`
	RuleID       string           `json:"rule_id"`
	Level        int              `json:"level"`
	ActionIndex  int              `json:"action_index"`
	ActionType   rules.ActionType `json:"action_type"`
	Target       string           `json:"target"`
	Status       Status           `json:"status"`
	Attempts     int              `json:"attempts"`
	LastError    string           `json:"last_error,omitempty"`
	DispatchedAt time.Time        `json:"dispatched_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Channel delivers one action to an external collaborator. Implementations
// must pass the idempotency key through so the remote side can dedupe too.
type Channel interface {
	Name() string
	Send(ctx context.Context, key string, req Request) error
}

// Config controls retry behavior.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultConfig returns sensible dispatch defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// Dispatcher routes actions to channels by action type. Dispatch is
// synchronous: the level executor advances a case only after every action
// of the level has reached a final status, so levels never interleave.
type Dispatcher struct {
	config   Config
	channels map[rules.ActionType]Channel

	seen       map[string]*Outcome
	deadLetter []*Outcome
	mu         sync.RWMutex
}

// New creates a dispatcher with no channels registered.
func New(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	return &Dispatcher{
		config:   cfg,
		channels: make(map[rules.ActionType]Channel),
		seen:     make(map[string]*Outcome),
	}
}

// Register routes an action type to a channel. Later registrations replace
// earlier ones.
func (d *Dispatcher) Register(actionType rules.ActionType, ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[actionType] = ch
}

// Dispatch delivers one action, retrying transient failures with bounded
// exponential backoff. A request whose idempotency key was already handled
// returns a duplicate outcome without touching the channel. Exhausted
// retries produce a dead-letter outcome; the escalation chain continues.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Outcome {
	key := req.IdempotencyKey()

	d.mu.Lock()
	if prior, ok := d.seen[key]; ok {
		d.mu.Unlock()
		slog.Debug("duplicate dispatch suppressed", "key", key, "prior_status", prior.Status)
		dup := *prior
		dup.Status = StatusDuplicate
		return &dup
	}
	outcome := &Outcome{
		Key:          key,
		CaseID:       req.CaseID,
		RuleID:       req.RuleID,
		Level:        req.Level,
		ActionIndex:  req.ActionIndex,
		ActionType:   req.Action.Type,
		Target:       req.Action.Target,
		DispatchedAt: time.Now().UTC(),
	}
	d.seen[key] = outcome
	ch := d.channels[req.Action.Type]
	d.mu.Unlock()

	if ch == nil {
		d.finish(outcome, StatusFailed, fmt.Sprintf("no channel registered for action type %q", req.Action.Type))
		return outcome.snapshot()
	}

	backoff := d.config.InitialBackoff
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		d.mu.Lock()
		outcome.Attempts = attempt
		d.mu.Unlock()

		attemptCtx := ctx
		var cancel context.CancelFunc
		if d.config.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.config.AttemptTimeout)
		}
		err := ch.Send(attemptCtx, key, req)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			d.finish(outcome, StatusSent, "")
			slog.Debug("action dispatched",
				"key", key,
				"channel", ch.Name(),
				"action_type", req.Action.Type,
				"attempts", attempt)
			return outcome.snapshot()
		}

		d.mu.Lock()
		outcome.LastError = err.Error()
		d.mu.Unlock()

		slog.Warn("action dispatch failed",
			"key", key,
			"channel", ch.Name(),
			"attempt", attempt,
			"max_attempts", d.config.MaxAttempts,
			"error", err)

		if attempt < d.config.MaxAttempts {
			select {
			case <-ctx.Done():
				d.toDeadLetter(outcome, "context cancelled")
				return outcome.snapshot()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
			if d.config.MaxBackoff > 0 && backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}

	d.toDeadLetter(outcome, outcome.LastError)
	return outcome.snapshot()
}

func (d *Dispatcher) finish(outcome *Outcome, status Status, lastError string) {
	now := time.Now().UTC()
	d.mu.Lock()
	outcome.Status = status
	outcome.CompletedAt = &now
	if lastError != "" {
		outcome.LastError = lastError
	}
	d.mu.Unlock()
}

func (d *Dispatcher) toDeadLetter(outcome *Outcome, reason string) {
	now := time.Now().UTC()
	d.mu.Lock()
	outcome.Status = StatusDeadLetter
	outcome.LastError = reason
	outcome.CompletedAt = &now
	d.deadLetter = append(d.deadLetter, outcome)
	d.mu.Unlock()

	slog.Error("action moved to dead letter queue",
		"key", outcome.Key,
		"case_id", outcome.CaseID,
		"action_type", outcome.ActionType,
		"attempts", outcome.Attempts,
		"reason", reason)
}

func (o *Outcome) snapshot() *Outcome {
	cp := *o
	return &cp
}

// Evict drops the recorded outcomes of one case, dead letters included.
// The sweep loop calls it after a case leaves the tracker, so the
// idempotency map stays bounded by the live case population.
func (d *Dispatcher) Evict(caseID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, o := range d.seen {
		if o.CaseID == caseID {
			delete(d.seen, key)
			removed++
		}
	}
	if removed > 0 {
		kept := d.deadLetter[:0]
		for _, o := range d.deadLetter {
			if o.CaseID != caseID {
				kept = append(kept, o)
			}
		}
		d.deadLetter = kept
	}
	return removed
}

// OutcomesForCase returns all recorded outcomes for one case.
func (d *Dispatcher) OutcomesForCase(caseID uuid.UUID) []*Outcome {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Outcome
	for _, o := range d.seen {
		if o.CaseID == caseID {
			out = append(out, o.snapshot())
		}
	}
	return out
}

// DeadLetterQueue returns all dead-lettered outcomes.
func (d *Dispatcher) DeadLetterQueue() []*Outcome {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Outcome, len(d.deadLetter))
	for i, o := range d.deadLetter {
		out[i] = o.snapshot()
	}
	return out
}

// Stats returns dispatch counters by status and action type.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byStatus := make(map[string]int)
	byType := make(map[string]int)
	for _, o := range d.seen {
		byStatus[string(o.Status)]++
		byType[string(o.ActionType)]++
	}
	return map[string]interface{}{
		"total_dispatches":  len(d.seen),
		"dead_letter_count": len(d.deadLetter),
		"by_status":         byStatus,
		"by_action_type":    byType,
	}
}
