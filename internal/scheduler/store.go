package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timer is a pending escalation deadline. FireAt is absolute so a restart
// can resume outstanding timers without recomputing delays.
type Timer struct {
	TimerID uuid.UUID `json:"timer_id"`
	CaseID  uuid.UUID `json:"case_id"`
	Level   int       `json:"level"`
	FireAt  time.Time `json:"fire_at"`
}

// TimerStore persists pending timers. Claim removes due timers before
// handing them to the caller, so each timer is delivered at most once even
// if the poller and a cancel race.
type TimerStore interface {
	// Add stores a pending timer.
	Add(ctx context.Context, timer Timer) error
	// Cancel removes a pending timer. Returns false if the timer was
	// already claimed or cancelled.
	Cancel(ctx context.Context, timerID uuid.UUID) (bool, error)
	// Claim atomically removes and returns up to limit timers due at or
	// before now, ordered by fire time.
	Claim(ctx context.Context, now time.Time, limit int) ([]Timer, error)
	// Pending returns the number of outstanding timers.
	Pending(ctx context.Context) (int, error)
}

// MemoryStore is an in-process TimerStore. Timers do not survive a restart;
// use the Redis store when durability is required.
type MemoryStore struct {
	timers map[uuid.UUID]Timer
	mu     sync.Mutex
}

// NewMemoryStore creates an empty in-memory timer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timers: make(map[uuid.UUID]Timer)}
}

func (s *MemoryStore) Add(_ context.Context, timer Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[timer.TimerID] = timer
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, timerID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[timerID]; !ok {
		return false, nil
	}
	delete(s.timers, timerID)
	return true, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, limit int) ([]Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Timer
	for _, timer := range s.timers {
		if !timer.FireAt.After(now) {
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, timer := range due {
		delete(s.timers, timer.TimerID)
	}
	return due, nil
}

func (s *MemoryStore) Pending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers), nil
}
