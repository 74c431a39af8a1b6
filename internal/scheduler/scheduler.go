// Package scheduler provides durable, cancellable escalation timers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FireFunc is invoked once for each claimed timer. The callback re-checks
// case state under its own lock; a fire for an already-acknowledged case is
// expected to be a no-op there, not here.
type FireFunc func(ctx context.Context, timer Timer)

// SchedulingError marks a timer store failure on the schedule path. Callers
// treat it as fatal for the case and surface an operational alert rather
// than leaving an escalation silently stuck.
type SchedulingError struct {
	CaseID uuid.UUID
	Level  int
	Err    error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("failed to schedule level %d timer for case %s: %v", e.Level, e.CaseID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// Config controls the scheduler poll loop.
type Config struct {
	// PollInterval is how often the store is checked for due timers.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ClaimLimit bounds how many timers one poll may claim. 0 = unlimited.
	ClaimLimit int `yaml:"claim_limit"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 1 * time.Second,
		ClaimLimit:   256,
	}
}

// Scheduler polls a TimerStore and delivers due timers to a callback.
// Claiming removes the timer from the store first, so each timer fires at
// most once and Cancel after a claim is simply a miss.
type Scheduler struct {
	store  TimerStore
	fire   FireFunc
	config Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler over the given store.
func New(store TimerStore, fire FireFunc, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	return &Scheduler{
		store:  store,
		fire:   fire,
		config: cfg,
		stopCh: make(chan struct{}),
	}
}

// Schedule registers a timer firing after delay and returns its id. A zero
// delay still goes through the store so delivery stays on the poll path.
func (s *Scheduler) Schedule(ctx context.Context, caseID uuid.UUID, level int, delay time.Duration) (uuid.UUID, error) {
	timer := Timer{
		TimerID: uuid.New(),
		CaseID:  caseID,
		Level:   level,
		FireAt:  time.Now().UTC().Add(delay),
	}

	if err := s.store.Add(ctx, timer); err != nil {
		return uuid.Nil, &SchedulingError{CaseID: caseID, Level: level, Err: err}
	}

	slog.Debug("timer scheduled",
		"timer_id", timer.TimerID,
		"case_id", caseID,
		"level", level,
		"fire_at", timer.FireAt)
	return timer.TimerID, nil
}

// Cancel removes a pending timer. Returns false when the timer already
// fired or was cancelled, which callers resolve via their own case state.
func (s *Scheduler) Cancel(ctx context.Context, timerID uuid.UUID) (bool, error) {
	cancelled, err := s.store.Cancel(ctx, timerID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel timer %s: %w", timerID, err)
	}
	if cancelled {
		slog.Debug("timer cancelled", "timer_id", timerID)
	}
	return cancelled, nil
}

// Pending returns the number of outstanding timers.
func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	return s.store.Pending(ctx)
}

// Start begins the poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()

		slog.Info("timer scheduler started", "poll_interval", s.config.PollInterval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.deliverDue(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("timer scheduler stopped")
}

func (s *Scheduler) deliverDue(ctx context.Context) {
	due, err := s.store.Claim(ctx, time.Now().UTC(), s.config.ClaimLimit)
	if err != nil {
		slog.Error("failed to claim due timers", "error", err)
		return
	}

	// Each delivery gets its own goroutine so one case's dispatch never
	// holds back another case's due timer. Per-case ordering is enforced
	// in the callback under the case lock.
	for _, timer := range due {
		s.wg.Add(1)
		go func(timer Timer) {
			defer s.wg.Done()
			s.fire(ctx, timer)
		}(timer)
	}
}
