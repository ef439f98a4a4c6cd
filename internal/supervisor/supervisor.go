// Package supervisor enforces the per-request timeout and heartbeat liveness.
//
// It never terminates anything itself: it inspects the latest report from
// each worker and hands idempotent flags to the master, which is the only
// component allowed to signal a worker. A timeout is a whole-worker fault;
// one stalled thread costs the worker, trading in-flight work on that worker
// for bounded tail latency.
package supervisor

import (
	"sync"
	"time"

	"prefork/internal/check"
	"prefork/internal/dispatch"
	"prefork/internal/freshness"
	"prefork/internal/heartbeat"
)

type Reason string

const (
	// ReasonTimeout: a request slot exceeded the configured request timeout.
	ReasonTimeout Reason = "timeout"
	// ReasonStale: the worker stopped heartbeating past the grace interval.
	ReasonStale Reason = "stale"
)

// Flag marks one worker for forced termination. A worker is flagged at most
// once between Track and Forget.
type Flag struct {
	WorkerID string
	Reason   Reason
	Thread   int
	Elapsed  time.Duration
}

type Supervisor struct {
	timeout time.Duration
	tracker *freshness.Tracker
	clock   dispatch.Clock

	mu      sync.Mutex
	latest  map[string]heartbeat.Report
	flagged map[string]bool
}

// New builds a supervisor enforcing requestTimeout on request slots and
// heartbeatGrace on report freshness.
func New(requestTimeout, heartbeatGrace time.Duration, clock dispatch.Clock) *Supervisor {
	check.Assert(requestTimeout > 0, "supervisor.New: requestTimeout must be positive")
	if clock == nil {
		clock = dispatch.RealClock{}
	}
	return &Supervisor{
		timeout: requestTimeout,
		tracker: freshness.NewTracker(heartbeatGrace, clock),
		clock:   clock,
		latest:  make(map[string]heartbeat.Report),
		flagged: make(map[string]bool),
	}
}

// Track registers a freshly spawned worker. The spawn time counts as its
// first sign of life so a slow-starting worker is not immediately stale.
func (s *Supervisor) Track(workerID string, spawnedAt time.Time) {
	s.tracker.RecordSeen(workerID, spawnedAt)
	s.mu.Lock()
	delete(s.flagged, workerID)
	delete(s.latest, workerID)
	s.mu.Unlock()
}

// Observe records the latest report from a worker.
func (s *Supervisor) Observe(report heartbeat.Report) {
	s.tracker.RecordSeen(report.WorkerID, report.SentAt)
	s.mu.Lock()
	s.latest[report.WorkerID] = report
	s.mu.Unlock()
}

// Forget drops all state for a reaped worker.
func (s *Supervisor) Forget(workerID string) {
	s.tracker.Remove(workerID)
	s.mu.Lock()
	delete(s.latest, workerID)
	delete(s.flagged, workerID)
	s.mu.Unlock()
}

// Scan returns workers newly in violation. Workers already flagged are not
// reported again; the master owns what happens next.
func (s *Supervisor) Scan() []Flag {
	health := s.tracker.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	var flags []Flag
	for id, h := range health {
		if s.flagged[id] {
			continue
		}
		if flag, ok := s.overrunSlot(id); ok {
			s.flagged[id] = true
			flags = append(flags, flag)
			continue
		}
		if h.Phase == freshness.Stale {
			s.flagged[id] = true
			flags = append(flags, Flag{WorkerID: id, Reason: ReasonStale, Elapsed: h.Freshness})
		}
	}
	return flags
}

// overrunSlot finds the oldest busy slot past the timeout, if any.
// Elapsed is measured up to the report's own timestamp, the last instant the
// slot was provably still busy: a request that finished between two reports
// must never cost its worker, so detection lags by at most one heartbeat
// interval instead. Callers hold s.mu.
func (s *Supervisor) overrunSlot(workerID string) (Flag, bool) {
	report, ok := s.latest[workerID]
	if !ok {
		return Flag{}, false
	}

	worst := Flag{WorkerID: workerID, Reason: ReasonTimeout}
	found := false
	for _, slot := range report.Slots {
		if !slot.Busy || slot.StartedAt == 0 {
			continue
		}
		elapsed := report.SentAt.Sub(time.Unix(0, slot.StartedAt))
		if elapsed > s.timeout && elapsed > worst.Elapsed {
			worst.Thread = slot.Thread
			worst.Elapsed = elapsed
			found = true
		}
	}
	return worst, found
}
