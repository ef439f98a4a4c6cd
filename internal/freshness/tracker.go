// Package freshness tracks how recently each worker reported a heartbeat.
package freshness

import (
	"sync"
	"time"

	"prefork/internal/check"
	"prefork/internal/dispatch"
)

type Phase uint8

const (
	Unknown Phase = iota + 1
	Fresh
	Stale
	Removed
)

func (p Phase) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Removed:
		return "removed"
	default:
		return "unknown_phase"
	}
}

type workerState struct {
	lastSeen       time.Time
	reportedAt     time.Time
	localClockAtRx time.Time
}

// Health is the liveness view of one worker.
type Health struct {
	Freshness time.Duration
	Phase     Phase
	// DeliveryLag is the gap between the worker's report timestamp and the
	// master's clock when the report arrived.
	DeliveryLag time.Duration
}

// Tracker records report arrival times and classifies workers as fresh or
// stale against a configured age.
type Tracker struct {
	mu       sync.RWMutex
	workers  map[string]workerState
	staleAge time.Duration
	clock    dispatch.Clock
}

func NewTracker(staleAge time.Duration, clock dispatch.Clock) *Tracker {
	check.Assert(clock != nil, "freshness.NewTracker: clock must not be nil")
	check.Assert(staleAge > 0, "freshness.NewTracker: staleAge must be positive")
	return &Tracker{
		workers:  make(map[string]workerState),
		staleAge: staleAge,
		clock:    clock,
	}
}

// RecordSeen notes a report from workerID stamped reportedAt by the worker.
func (t *Tracker) RecordSeen(workerID string, reportedAt time.Time) {
	now := t.clock.Now()

	t.mu.Lock()
	t.workers[workerID] = workerState{
		lastSeen:       now,
		reportedAt:     reportedAt,
		localClockAtRx: now,
	}
	t.mu.Unlock()
}

// Remove drops a worker, typically after the master reaped it.
func (t *Tracker) Remove(workerID string) {
	t.mu.Lock()
	delete(t.workers, workerID)
	t.mu.Unlock()
}

// Snapshot classifies every tracked worker at the current clock reading.
func (t *Tracker) Snapshot() map[string]Health {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	out := make(map[string]Health, len(t.workers))
	for id, w := range t.workers {
		age := now.Sub(w.lastSeen)
		lag := w.localClockAtRx.Sub(w.reportedAt)
		if lag < 0 {
			lag = 0
		}
		phase := Fresh
		if age > t.staleAge {
			phase = Stale
		}
		out[id] = Health{
			Freshness:   age,
			Phase:       phase,
			DeliveryLag: lag,
		}
	}
	return out
}
