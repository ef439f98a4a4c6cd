package master

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"prefork/config"
	"prefork/internal/control/state"
	"prefork/internal/dispatchtest"
	"prefork/internal/heartbeat"
)

// fakeProc is an in-memory worker process. By default it exits cleanly when
// sent the graceful signal, like a healthy draining worker.
type fakeProc struct {
	id  string
	pid int

	ignoreSignals bool

	reports chan heartbeat.Report
	done    chan struct{}

	mu     sync.Mutex
	exited bool
	err    error
	killed bool
}

func (p *fakeProc) ID() string                       { return p.id }
func (p *fakeProc) PID() int                         { return p.pid }
func (p *fakeProc) Reports() <-chan heartbeat.Report { return p.reports }
func (p *fakeProc) Done() <-chan struct{}            { return p.done }

func (p *fakeProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProc) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM && !p.ignoreSignals {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProc) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.err = err
	close(p.reports)
	close(p.done)
}

func (p *fakeProc) report(sentAt time.Time, slots ...heartbeat.ThreadSlot) {
	p.reports <- heartbeat.Report{WorkerID: p.id, PID: p.pid, SentAt: sentAt, Slots: slots}
}

// fakeSpawner hands out fakeProcs and can be told to fail.
type fakeSpawner struct {
	mu            sync.Mutex
	procs         []*fakeProc
	failRemaining int
	ignoreSignals bool

	attempts atomic.Int64
	nextPID  int

	spawned chan *fakeProc
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000, spawned: make(chan *fakeProc, 16)}
}

func (f *fakeSpawner) Spawn(_ context.Context, workerID string) (Process, error) {
	f.attempts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failRemaining != 0 {
		if f.failRemaining > 0 {
			f.failRemaining--
		}
		return nil, errors.New("fork: resource temporarily unavailable")
	}

	f.nextPID++
	p := &fakeProc{
		id:            workerID,
		pid:           f.nextPID,
		ignoreSignals: f.ignoreSignals,
		reports:       make(chan heartbeat.Report),
		done:          make(chan struct{}),
	}
	f.procs = append(f.procs, p)
	f.spawned <- p
	return p, nil
}

// memJournal records events in memory.
type memJournal struct {
	mu     sync.Mutex
	events []state.Event
	rows   []state.WorkerRow
}

func (j *memJournal) RecordEvent(ev state.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) UpsertWorker(row state.WorkerRow) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = append(j.rows, row)
	return nil
}

func (j *memJournal) hasEvent(kind string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ev := range j.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (j *memJournal) waitForEvent(t *testing.T, kind string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j.hasEvent(kind) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event %q never recorded", kind)
}

func testConfig(workers int) config.Config {
	cfg := config.Default()
	cfg.Workers = workers
	cfg.RequestTimeout = config.Duration(10 * time.Second)
	cfg.GracePeriod = config.Duration(2 * time.Second)
	cfg.HeartbeatInterval = config.Duration(time.Second)
	cfg.HeartbeatGrace = config.Duration(5 * time.Second)
	cfg.SupervisorTick = config.Duration(5 * time.Millisecond)
	cfg.SpawnBackoffBase = config.Duration(100 * time.Millisecond)
	cfg.SpawnBackoffCap = config.Duration(time.Second)
	cfg.SpawnAttempts = 3
	return cfg
}

// startMaster runs m.Run on its own goroutine and returns a stop function.
func startMaster(t *testing.T, m *Master) (cancel func(), wait func()) {
	t.Helper()
	ctx, stop := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	return stop, func() {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("master run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("master did not stop")
		}
	}
}

func waitSpawn(t *testing.T, spawner *fakeSpawner) *fakeProc {
	t.Helper()
	select {
	case p := <-spawner.spawned:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no worker spawned")
		return nil
	}
}

func TestMaster_SpawnsDesiredWorkers(t *testing.T) {
	spawner := newFakeSpawner()
	journal := &memJournal{}
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(testConfig(2), spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	first := waitSpawn(t, spawner)
	second := waitSpawn(t, spawner)
	if first.id == second.id {
		t.Errorf("worker ids must be unique, both %q", first.id)
	}

	cancel()
	wait()

	if !journal.hasEvent(state.EventShutdownDone) {
		t.Error("missing shutdown_done event")
	}
	if spawner.attempts.Load() != 2 {
		t.Errorf("expected exactly 2 spawns, got %d", spawner.attempts.Load())
	}
}

func TestMaster_ReplacesCrashedWorker(t *testing.T) {
	spawner := newFakeSpawner()
	journal := &memJournal{}
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(testConfig(1), spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	crashed := waitSpawn(t, spawner)
	crashed.exit(errors.New("signal: segmentation fault"))

	replacement := waitSpawn(t, spawner)
	if replacement.id == crashed.id {
		t.Errorf("replacement reused worker id %q", crashed.id)
	}
	journal.waitForEvent(t, state.EventCrashed)

	cancel()
	wait()
}

func TestMaster_CleanExitIsNotACrash(t *testing.T) {
	spawner := newFakeSpawner()
	journal := &memJournal{}
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(testConfig(1), spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	proc := waitSpawn(t, spawner)
	proc.exit(nil)

	waitSpawn(t, spawner)
	journal.waitForEvent(t, state.EventExited)
	if journal.hasEvent(state.EventCrashed) {
		t.Error("clean exit recorded as crash")
	}

	cancel()
	wait()
}

func TestMaster_KillsWorkerOnRequestTimeout(t *testing.T) {
	spawner := newFakeSpawner()
	journal := &memJournal{}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	m := New(testConfig(1), spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	proc := waitSpawn(t, spawner)
	proc.report(start, heartbeat.ThreadSlot{Thread: 1, Busy: true, StartedAt: start.UnixNano()})

	// Still busy past the 10s request timeout.
	clock.Advance(11 * time.Second)
	proc.report(clock.Now(), heartbeat.ThreadSlot{Thread: 1, Busy: true, StartedAt: start.UnixNano()})

	replacement := waitSpawn(t, spawner)
	if !proc.wasKilled() {
		t.Error("timed-out worker was not killed")
	}
	if replacement.id == proc.id {
		t.Error("replacement reused the flagged worker id")
	}
	journal.waitForEvent(t, state.EventTimeoutFlagged)
	journal.waitForEvent(t, state.EventKilled)

	cancel()
	wait()
}

func TestMaster_KillsStaleWorker(t *testing.T) {
	spawner := newFakeSpawner()
	journal := &memJournal{}
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(testConfig(1), spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	proc := waitSpawn(t, spawner)
	// Let the master finish registering the spawn before time moves.
	time.Sleep(20 * time.Millisecond)

	// Never heartbeats; past the 5s grace the supervisor declares it stale.
	clock.Advance(6 * time.Second)

	waitSpawn(t, spawner)
	if !proc.wasKilled() {
		t.Error("stale worker was not killed")
	}
	journal.waitForEvent(t, state.EventStaleFlagged)

	cancel()
	wait()
}

func TestMaster_ParksSlotAfterRepeatedSpawnFailures(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.failRemaining = -1 // fail forever
	journal := &memJournal{}
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(testConfig(1), spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	journal.waitForEvent(t, state.EventSpawnFailed)

	// Each advance makes the next backoff retry due on the following tick.
	for range 4 {
		clock.Advance(2 * time.Second)
		time.Sleep(20 * time.Millisecond)
	}

	journal.waitForEvent(t, state.EventSlotParked)
	if got := spawner.attempts.Load(); got != 3 {
		t.Errorf("expected exactly 3 spawn attempts before parking, got %d", got)
	}

	// A parked slot stays parked.
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := spawner.attempts.Load(); got != 3 {
		t.Errorf("parked slot retried: %d attempts", got)
	}

	cancel()
	wait()
}

func TestMaster_ResizeGrowsAndShrinks(t *testing.T) {
	spawner := newFakeSpawner()
	journal := &memJournal{}
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(testConfig(1), spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	waitSpawn(t, spawner)

	m.Resize(1)
	grown := waitSpawn(t, spawner)

	m.Resize(-1)
	select {
	case <-grown.done:
	case <-time.After(2 * time.Second):
		t.Fatal("retired worker never received the graceful signal")
	}

	// The retired slot must not be replaced.
	select {
	case p := <-spawner.spawned:
		t.Errorf("unexpected respawn of retired slot: %s", p.id)
	case <-time.After(100 * time.Millisecond):
	}
	if !journal.hasEvent(state.EventResized) {
		t.Error("missing resized event")
	}

	cancel()
	wait()
}

func TestMaster_ShrinkNeverDropsBelowOneWorker(t *testing.T) {
	spawner := newFakeSpawner()
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(testConfig(1), spawner, nil, WithClock(clock))

	cancel, wait := startMaster(t, m)

	only := waitSpawn(t, spawner)
	m.Resize(-1)

	select {
	case <-only.done:
		t.Error("last worker was retired")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wait()
}

func TestMaster_ShutdownKillsAfterGrace(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.ignoreSignals = true // worker stuck in a long request
	journal := &memJournal{}
	clock := dispatchtest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := testConfig(1)
	cfg.GracePeriod = config.Duration(50 * time.Millisecond)
	m := New(cfg, spawner, journal, WithClock(clock))

	cancel, wait := startMaster(t, m)

	proc := waitSpawn(t, spawner)

	cancel()
	wait()

	if !proc.wasKilled() {
		t.Error("stuck worker survived the grace period")
	}
	if !journal.hasEvent(state.EventShutdownDone) {
		t.Error("missing shutdown_done event")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	ceil := 8 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{10, 8 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := backoffDelay(base, ceil, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
