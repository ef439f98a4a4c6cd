package worker

import (
	"sync/atomic"

	"prefork/internal/dispatch"
	"prefork/internal/heartbeat"
)

// Slots is the per-thread table of request start times. Each handler thread
// writes only its own entry; the heartbeat sender reads all of them, so
// entries are atomics rather than a locked map.
type Slots struct {
	clock   dispatch.Clock
	started []atomic.Int64 // unix nanoseconds, 0 = idle
}

func NewSlots(threads int, clock dispatch.Clock) *Slots {
	if clock == nil {
		clock = dispatch.RealClock{}
	}
	return &Slots{
		clock:   clock,
		started: make([]atomic.Int64, threads),
	}
}

// Begin marks the thread busy with a request starting now.
func (s *Slots) Begin(thread int) {
	s.started[thread].Store(s.clock.Now().UnixNano())
}

// End marks the thread idle.
func (s *Slots) End(thread int) {
	s.started[thread].Store(0)
}

// Snapshot returns the current slot table for a heartbeat report.
func (s *Slots) Snapshot() []heartbeat.ThreadSlot {
	out := make([]heartbeat.ThreadSlot, len(s.started))
	for i := range s.started {
		startedAt := s.started[i].Load()
		out[i] = heartbeat.ThreadSlot{
			Thread:    i,
			Busy:      startedAt != 0,
			StartedAt: startedAt,
		}
	}
	return out
}
