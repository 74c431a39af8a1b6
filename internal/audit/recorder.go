package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"opsrelay/internal/escalate"
)

// sinkBuffer bounds how many events may queue for the sink before Record
// starts dropping sink writes.
const sinkBuffer = 4096

// Recorder keeps a bounded in-memory window of case history for the query
// surface and forwards every event to an optional durable sink. The tracker
// records events while holding a case lock, so sink writes happen on a
// drain goroutine and Record never blocks on the sink.
type Recorder struct {
	sink    Sink
	maxHeld int

	mu     sync.RWMutex
	events []escalate.Event
	byKind map[escalate.EventKind]uint64
	closed bool

	sinkCh  chan escalate.Event
	quitCh  chan struct{}
	doneCh  chan struct{}
	dropped uint64
}

// NewRecorder creates a recorder. sink may be nil for memory-only operation;
// maxHeld bounds the in-memory window (0 uses a default).
func NewRecorder(sink Sink, maxHeld int) *Recorder {
	if maxHeld <= 0 {
		maxHeld = 10000
	}
	r := &Recorder{
		sink:    sink,
		maxHeld: maxHeld,
		byKind:  make(map[escalate.EventKind]uint64),
	}
	if sink != nil {
		r.sinkCh = make(chan escalate.Event, sinkBuffer)
		r.quitCh = make(chan struct{})
		r.doneCh = make(chan struct{})
		go r.drain()
	}
	return r
}

// Record implements escalate.Recorder. When the sink backlog is full the
// event stays in the memory window and the sink write is dropped, counted.
func (r *Recorder) Record(_ context.Context, ev escalate.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) > r.maxHeld {
		r.events = r.events[len(r.events)-r.maxHeld:]
	}
	r.byKind[ev.Kind]++
	closed := r.closed
	r.mu.Unlock()

	if r.sinkCh == nil || closed {
		return
	}
	select {
	case r.sinkCh <- ev:
	default:
		if atomic.AddUint64(&r.dropped, 1) == 1 {
			slog.Warn("audit sink backlog full, dropping sink writes", "buffer", cap(r.sinkCh))
		}
	}
}

func (r *Recorder) drain() {
	defer close(r.doneCh)
	for {
		select {
		case ev := <-r.sinkCh:
			r.write(ev)
		case <-r.quitCh:
			for {
				select {
				case ev := <-r.sinkCh:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ev escalate.Event) {
	if err := r.sink.WriteEvent(ev); err != nil {
		slog.Error("audit sink write failed", "kind", ev.Kind, "case_id", ev.CaseID, "error", err)
	}
}

// SinkDropped returns how many sink writes overflowed the backlog.
func (r *Recorder) SinkDropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// EventsForCase returns the recorded history of one case, oldest first.
func (r *Recorder) EventsForCase(caseID uuid.UUID) []escalate.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []escalate.Event
	for _, ev := range r.events {
		if ev.CaseID == caseID {
			out = append(out, ev)
		}
	}
	return out
}

// Recent returns up to limit most recent events, newest last.
func (r *Recorder) Recent(limit int) []escalate.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.events) {
		limit = len(r.events)
	}
	out := make([]escalate.Event, limit)
	copy(out, r.events[len(r.events)-limit:])
	return out
}

// CountByKind returns total event counts per kind since startup.
func (r *Recorder) CountByKind() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]uint64, len(r.byKind))
	for kind, n := range r.byKind {
		out[string(kind)] = n
	}
	return out
}

// Close drains queued sink writes and closes the sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.sink == nil {
		return nil
	}
	close(r.quitCh)
	<-r.doneCh
	return r.sink.Close()
}
