package supervisor

import (
	"testing"
	"time"

	"prefork/internal/dispatchtest"
	"prefork/internal/heartbeat"
)

func report(workerID string, sentAt time.Time, slots ...heartbeat.ThreadSlot) heartbeat.Report {
	return heartbeat.Report{WorkerID: workerID, PID: 100, SentAt: sentAt, Slots: slots}
}

func TestSupervisor_FlagsTimedOutRequest(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	sup := New(120*time.Second, 5*time.Second, clock)

	sup.Track("w0", start)
	sup.Observe(report("w0", start, heartbeat.ThreadSlot{
		Thread: 2, Busy: true, StartedAt: start.UnixNano(),
	}))

	clock.Advance(119 * time.Second)
	sup.Observe(report("w0", clock.Now(), heartbeat.ThreadSlot{
		Thread: 2, Busy: true, StartedAt: start.UnixNano(),
	}))
	if flags := sup.Scan(); len(flags) != 0 {
		t.Fatalf("expected no flags before timeout, got %+v", flags)
	}

	clock.Advance(2 * time.Second)
	sup.Observe(report("w0", clock.Now(), heartbeat.ThreadSlot{
		Thread: 2, Busy: true, StartedAt: start.UnixNano(),
	}))
	flags := sup.Scan()
	if len(flags) != 1 {
		t.Fatalf("expected one flag, got %+v", flags)
	}
	if flags[0].Reason != ReasonTimeout || flags[0].Thread != 2 {
		t.Errorf("unexpected flag: %+v", flags[0])
	}
	if flags[0].Elapsed != 121*time.Second {
		t.Errorf("expected 121s elapsed, got %s", flags[0].Elapsed)
	}
}

func TestSupervisor_FlagsOnlyOnce(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	sup := New(10*time.Second, time.Minute, clock)

	sup.Track("w0", start)
	sup.Observe(report("w0", start, heartbeat.ThreadSlot{
		Thread: 0, Busy: true, StartedAt: start.UnixNano(),
	}))

	clock.Advance(11 * time.Second)
	sup.Observe(report("w0", clock.Now(), heartbeat.ThreadSlot{
		Thread: 0, Busy: true, StartedAt: start.UnixNano(),
	}))
	if flags := sup.Scan(); len(flags) != 1 {
		t.Fatalf("expected one flag, got %+v", flags)
	}

	clock.Advance(time.Second)
	if flags := sup.Scan(); len(flags) != 0 {
		t.Errorf("expected already-flagged worker suppressed, got %+v", flags)
	}
}

func TestSupervisor_CompletedRequestNeverFlagsWorker(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	sup := New(120*time.Second, time.Minute, clock)

	sup.Track("w0", start)

	// Last report arrives at 119s with the request still running; it then
	// completes inside the budget, but no newer report lands before the scan.
	clock.Advance(119 * time.Second)
	sup.Observe(report("w0", clock.Now(), heartbeat.ThreadSlot{
		Thread: 0, Busy: true, StartedAt: start.UnixNano(),
	}))

	clock.Advance(2 * time.Second)
	if flags := sup.Scan(); len(flags) != 0 {
		t.Errorf("flagged a request that completed within the timeout: %+v", flags)
	}
}

func TestSupervisor_IdleSlotsNeverFlag(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	sup := New(10*time.Second, time.Minute, clock)

	sup.Track("w0", start)
	// Idle slot with a stale StartedAt left over from a finished request.
	sup.Observe(report("w0", start, heartbeat.ThreadSlot{Thread: 0, StartedAt: start.UnixNano()}))

	clock.Advance(30 * time.Second)
	sup.Observe(report("w0", clock.Now(), heartbeat.ThreadSlot{Thread: 0}))
	if flags := sup.Scan(); len(flags) != 0 {
		t.Errorf("expected no flags for idle worker, got %+v", flags)
	}
}

func TestSupervisor_FlagsStaleWorker(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	sup := New(120*time.Second, 5*time.Second, clock)

	sup.Track("w0", start)

	// Spawn counts as a first sign of life.
	clock.Advance(4 * time.Second)
	if flags := sup.Scan(); len(flags) != 0 {
		t.Fatalf("expected no flags within grace, got %+v", flags)
	}

	clock.Advance(2 * time.Second)
	flags := sup.Scan()
	if len(flags) != 1 || flags[0].Reason != ReasonStale {
		t.Fatalf("expected stale flag, got %+v", flags)
	}
}

func TestSupervisor_TrackResetsReplacementWorker(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	sup := New(10*time.Second, time.Minute, clock)

	sup.Track("w0", start)
	clock.Advance(11 * time.Second)
	sup.Observe(report("w0", clock.Now(), heartbeat.ThreadSlot{
		Thread: 0, Busy: true, StartedAt: start.UnixNano(),
	}))
	if flags := sup.Scan(); len(flags) != 1 {
		t.Fatal("expected initial flag")
	}

	// Same ID re-spawned: old report and flag must not carry over.
	sup.Forget("w0")
	sup.Track("w0", clock.Now())
	if flags := sup.Scan(); len(flags) != 0 {
		t.Errorf("expected clean slate after re-track, got %+v", flags)
	}
}

func TestSupervisor_ForgetDropsWorker(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	sup := New(10*time.Second, 5*time.Second, clock)

	sup.Track("w0", start)
	sup.Forget("w0")

	clock.Advance(time.Hour)
	if flags := sup.Scan(); len(flags) != 0 {
		t.Errorf("expected no flags for forgotten worker, got %+v", flags)
	}
}
