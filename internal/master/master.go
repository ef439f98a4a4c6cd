// Package master is the dispatcher's coordinator process.
//
// The master owns the listening socket and the full worker lifecycle: it is
// the single source of truth for the desired worker count and the only
// component allowed to spawn, signal, or reap a worker. Workers share
// nothing with each other; the kernel arbitrates accepts on the inherited
// socket.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"prefork/config"
	"prefork/internal/check"
	"prefork/internal/control/state"
	"prefork/internal/dispatch"
	"prefork/internal/supervisor"

	"github.com/google/uuid"
)

// Journal records lifecycle events and the worker roster. Satisfied by
// state.Store; nil disables journaling.
type Journal interface {
	RecordEvent(ev state.Event) error
	UpsertWorker(row state.WorkerRow) error
}

// Listen binds the shared socket and dups it for inheritance by workers.
func Listen(bind string) (net.Listener, *os.File, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, nil, &dispatch.BindError{Addr: bind, Err: err}
	}
	file, err := ln.(*net.TCPListener).File()
	if err != nil {
		_ = ln.Close()
		return nil, nil, fmt.Errorf("dup listener: %w", err)
	}
	return ln, file, nil
}

// slot is one position in the worker pool. The slot survives its workers:
// replacements reuse the slot under a fresh worker identity.
type slot struct {
	idx       int
	proc      Process
	id        string
	pid       int
	spawnedAt time.Time
	flagged   bool
	restarts  int

	// spawn retry state
	attempts  int
	nextRetry time.Time
	parked    bool
}

type exitEvent struct {
	idx  int
	proc Process
}

type Master struct {
	cfg     config.Config
	spawner Spawner
	journal Journal
	sup     *supervisor.Supervisor
	clock   dispatch.Clock
	log     *slog.Logger
	ln      net.Listener

	desired  int
	slots    []*slot
	exits    chan exitEvent
	resizeCh chan int
	stopped  chan struct{}
}

type Option func(*Master)

// WithClock injects a deterministic clock for tests.
func WithClock(clock dispatch.Clock) Option {
	return func(m *Master) { m.clock = clock }
}

// WithListener hands the master the bound socket so shutdown can close it.
func WithListener(ln net.Listener) Option {
	return func(m *Master) { m.ln = ln }
}

func New(cfg config.Config, spawner Spawner, journal Journal, opts ...Option) *Master {
	check.Assert(spawner != nil, "master.New: spawner must not be nil")
	m := &Master{
		cfg:      cfg,
		spawner:  spawner,
		journal:  journal,
		clock:    dispatch.RealClock{},
		log:      slog.With("component", "master"),
		desired:  cfg.Workers,
		exits:    make(chan exitEvent),
		resizeCh: make(chan int),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sup = supervisor.New(cfg.RequestTimeout.Std(), cfg.HeartbeatGrace.Std(), m.clock)
	return m
}

// Run spawns the pool and supervises it until ctx is cancelled, then drains
// within the grace period. All slot state is owned by this goroutine; the
// supervisor and report pumps touch only their own structures.
func (m *Master) Run(ctx context.Context) error {
	m.log.Info("master starting",
		"bind", m.cfg.Bind,
		"workers", m.desired,
		"threads", m.cfg.Threads,
		"request_timeout", m.cfg.RequestTimeout.Std(),
	)

	for i := range m.desired {
		s := &slot{idx: i}
		m.slots = append(m.slots, s)
		m.spawn(ctx, s)
	}

	ticker := time.NewTicker(m.cfg.SupervisorTick.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case ev := <-m.exits:
			m.onExit(ctx, ev)
		case delta := <-m.resizeCh:
			m.onResize(ctx, delta)
		case <-ticker.C:
			m.onTick(ctx)
		}
	}
}

// Resize grows or shrinks the desired worker count at runtime. Shrunk
// workers drain gracefully and are not replaced.
func (m *Master) Resize(delta int) {
	select {
	case m.resizeCh <- delta:
	case <-m.stopped:
	}
}

func (m *Master) spawn(ctx context.Context, s *slot) {
	if s.parked {
		return
	}

	attempt := s.attempts + 1
	id := fmt.Sprintf("w%d-%s", s.idx, uuid.NewString()[:8])

	proc, err := m.spawner.Spawn(ctx, id)
	if err != nil {
		s.attempts = attempt
		spawnErr := &dispatch.SpawnError{WorkerID: id, Attempt: attempt, Err: err}
		m.event(state.Event{Kind: state.EventSpawnFailed, WorkerID: id, Detail: spawnErr.Error()})

		if attempt >= m.cfg.SpawnAttempts {
			// The pool keeps serving, reduced by this slot.
			s.parked = true
			s.nextRetry = time.Time{}
			m.log.Error("worker slot parked after repeated spawn failures",
				"slot", s.idx, "attempts", attempt, "err", err)
			m.event(state.Event{Kind: state.EventSlotParked, Detail: fmt.Sprintf("slot %d", s.idx)})
			return
		}

		delay := backoffDelay(m.cfg.SpawnBackoffBase.Std(), m.cfg.SpawnBackoffCap.Std(), attempt)
		s.nextRetry = m.clock.Now().Add(delay)
		m.log.Warn("worker spawn failed, retrying",
			"slot", s.idx, "attempt", attempt, "retry_in", delay, "err", err)
		return
	}

	s.attempts = 0
	s.nextRetry = time.Time{}
	s.proc = proc
	s.id = id
	s.pid = proc.PID()
	s.spawnedAt = m.clock.Now()
	s.flagged = false

	m.sup.Track(id, s.spawnedAt)
	m.event(state.Event{Kind: state.EventSpawned, WorkerID: id, PID: s.pid})
	m.roster(s, state.WorkerRunning)
	m.log.Info("worker spawned", "worker", id, "pid", s.pid, "slot", s.idx)

	go m.pumpReports(proc)
	go m.notifyExit(s.idx, proc)
}

func (m *Master) pumpReports(proc Process) {
	for report := range proc.Reports() {
		m.sup.Observe(report)
	}
}

func (m *Master) notifyExit(idx int, proc Process) {
	<-proc.Done()
	select {
	case m.exits <- exitEvent{idx: idx, proc: proc}:
	case <-m.stopped:
	}
}

func (m *Master) onExit(ctx context.Context, ev exitEvent) {
	s := m.slotFor(ev)
	if s == nil {
		return
	}

	m.sup.Forget(s.id)
	m.roster(s, state.WorkerGone)

	detail := "exit ok"
	kind := state.EventExited
	if err := ev.proc.Err(); err != nil {
		detail = err.Error()
		if !s.flagged {
			kind = state.EventCrashed
		}
	}
	m.event(state.Event{Kind: kind, WorkerID: s.id, PID: s.pid, Detail: detail})
	if kind == state.EventCrashed {
		m.log.Warn("worker crashed", "worker", s.id, "pid", s.pid, "err", detail)
	}

	s.proc = nil
	s.restarts++

	// Replace unless the pool shrank under this slot.
	if s.idx < m.desired {
		m.spawn(ctx, s)
	}
}

func (m *Master) onTick(ctx context.Context) {
	now := m.clock.Now()

	// Due spawn retries.
	for _, s := range m.slots {
		if s.idx < m.desired && s.proc == nil && !s.parked &&
			!s.nextRetry.IsZero() && !now.Before(s.nextRetry) {
			m.spawn(ctx, s)
		}
	}

	// Supervisor verdicts. The supervisor flags each worker at most once;
	// the slot flag additionally guards the kill itself.
	for _, f := range m.sup.Scan() {
		s := m.slotByID(f.WorkerID)
		if s == nil || s.proc == nil || s.flagged {
			continue
		}
		s.flagged = true

		switch f.Reason {
		case supervisor.ReasonTimeout:
			m.log.Warn("request timeout, replacing worker",
				"worker", s.id, "pid", s.pid, "thread", f.Thread, "elapsed", f.Elapsed)
			m.event(state.Event{
				Kind: state.EventTimeoutFlagged, WorkerID: s.id, PID: s.pid,
				Detail: fmt.Sprintf("thread %d ran %s", f.Thread, f.Elapsed.Round(time.Millisecond)),
			})
		case supervisor.ReasonStale:
			m.log.Warn("worker heartbeat stale, replacing worker",
				"worker", s.id, "pid", s.pid, "silent_for", f.Elapsed)
			m.event(state.Event{
				Kind: state.EventStaleFlagged, WorkerID: s.id, PID: s.pid,
				Detail: fmt.Sprintf("no heartbeat for %s", f.Elapsed.Round(time.Millisecond)),
			})
		}

		if err := s.proc.Kill(); err != nil {
			m.log.Warn("worker kill failed", "worker", s.id, "err", err)
			continue
		}
		m.event(state.Event{Kind: state.EventKilled, WorkerID: s.id, PID: s.pid, Detail: string(f.Reason)})
	}
}

func (m *Master) onResize(ctx context.Context, delta int) {
	newDesired := m.desired + delta
	if newDesired < 1 {
		newDesired = 1
	}
	if newDesired == m.desired {
		return
	}

	m.log.Info("resizing worker pool", "from", m.desired, "to", newDesired)
	m.event(state.Event{Kind: state.EventResized, Detail: fmt.Sprintf("%d -> %d", m.desired, newDesired)})

	if newDesired > m.desired {
		old := m.desired
		m.desired = newDesired
		for idx := old; idx < newDesired; idx++ {
			if idx < len(m.slots) {
				s := m.slots[idx]
				s.parked = false
				s.attempts = 0
				if s.proc == nil {
					m.spawn(ctx, s)
				}
				continue
			}
			s := &slot{idx: idx}
			m.slots = append(m.slots, s)
			m.spawn(ctx, s)
		}
		return
	}

	// Shrink: retire the highest slots gracefully; onExit won't replace
	// them once desired has dropped below their index.
	m.desired = newDesired
	for idx := newDesired; idx < len(m.slots); idx++ {
		if p := m.slots[idx].proc; p != nil {
			_ = p.Signal(GracefulSignal)
		}
	}
}

func (m *Master) shutdown() error {
	grace := m.cfg.GracePeriod.Std()
	m.log.Info("master shutting down", "grace", grace)
	m.event(state.Event{Kind: state.EventShutdownBegin, Detail: fmt.Sprintf("grace %s", grace)})

	if m.ln != nil {
		_ = m.ln.Close()
	}

	live := 0
	for _, s := range m.slots {
		if s.proc != nil {
			live++
			_ = s.proc.Signal(GracefulSignal)
		}
	}

	var deadline <-chan time.Time
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		deadline = t.C
	} else {
		m.killRemaining()
	}

	for live > 0 {
		select {
		case ev := <-m.exits:
			s := m.slotFor(ev)
			if s == nil {
				continue
			}
			m.sup.Forget(s.id)
			m.roster(s, state.WorkerGone)
			m.event(state.Event{Kind: state.EventExited, WorkerID: s.id, PID: s.pid, Detail: "shutdown"})
			s.proc = nil
			live--
		case <-deadline:
			deadline = nil
			m.log.Warn("grace period elapsed, killing remaining workers", "remaining", live)
			m.killRemaining()
		}
	}

	m.event(state.Event{Kind: state.EventShutdownDone})
	close(m.stopped)
	m.log.Info("master stopped")
	return nil
}

func (m *Master) killRemaining() {
	for _, s := range m.slots {
		if s.proc == nil {
			continue
		}
		if err := s.proc.Kill(); err != nil {
			m.log.Warn("worker kill failed", "worker", s.id, "err", err)
			continue
		}
		m.event(state.Event{Kind: state.EventKilled, WorkerID: s.id, PID: s.pid, Detail: "grace elapsed"})
	}
}

func (m *Master) slotFor(ev exitEvent) *slot {
	if ev.idx >= len(m.slots) {
		return nil
	}
	s := m.slots[ev.idx]
	if s.proc != ev.proc {
		// Late notification for a worker this slot already replaced.
		return nil
	}
	return s
}

func (m *Master) slotByID(id string) *slot {
	for _, s := range m.slots {
		if s.id == id && s.proc != nil {
			return s
		}
	}
	return nil
}

func (m *Master) event(ev state.Event) {
	if m.journal == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	if err := m.journal.RecordEvent(ev); err != nil {
		m.log.Warn("journal write failed", "kind", ev.Kind, "err", err)
	}
}

func (m *Master) roster(s *slot, workerState string) {
	if m.journal == nil {
		return
	}
	err := m.journal.UpsertWorker(state.WorkerRow{
		WorkerID:  s.id,
		Slot:      s.idx,
		PID:       s.pid,
		State:     workerState,
		SpawnedAt: s.spawnedAt,
	})
	if err != nil {
		m.log.Warn("roster write failed", "worker", s.id, "err", err)
	}
}

// backoffDelay doubles from base per attempt, capped at ceil.
func backoffDelay(base, ceil time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 || d > ceil {
		return ceil
	}
	return d
}
