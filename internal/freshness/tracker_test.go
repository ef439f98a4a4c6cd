package freshness

import (
	"testing"
	"time"

	"prefork/internal/dispatchtest"
)

func TestTracker_FreshThenStale(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	tracker := NewTracker(5*time.Second, clock)

	tracker.RecordSeen("w0", start)

	health := tracker.Snapshot()["w0"]
	if health.Phase != Fresh {
		t.Errorf("expected fresh immediately after report, got %s", health.Phase)
	}

	clock.Advance(4 * time.Second)
	if got := tracker.Snapshot()["w0"].Phase; got != Fresh {
		t.Errorf("expected fresh within stale age, got %s", got)
	}

	clock.Advance(2 * time.Second)
	health = tracker.Snapshot()["w0"]
	if health.Phase != Stale {
		t.Errorf("expected stale past stale age, got %s", health.Phase)
	}
	if health.Freshness != 6*time.Second {
		t.Errorf("expected 6s freshness, got %s", health.Freshness)
	}
}

func TestTracker_NewReportResetsAge(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	tracker := NewTracker(5*time.Second, clock)

	tracker.RecordSeen("w0", start)
	clock.Advance(10 * time.Second)
	tracker.RecordSeen("w0", clock.Now())

	if got := tracker.Snapshot()["w0"].Phase; got != Fresh {
		t.Errorf("expected fresh after new report, got %s", got)
	}
}

func TestTracker_DeliveryLag(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	tracker := NewTracker(5*time.Second, clock)

	// Report stamped 2s before it arrived.
	tracker.RecordSeen("w0", start.Add(-2*time.Second))

	health := tracker.Snapshot()["w0"]
	if health.DeliveryLag != 2*time.Second {
		t.Errorf("expected 2s delivery lag, got %s", health.DeliveryLag)
	}

	// A report stamped in the future clamps to zero rather than going negative.
	tracker.RecordSeen("w1", start.Add(time.Minute))
	if got := tracker.Snapshot()["w1"].DeliveryLag; got != 0 {
		t.Errorf("expected clamped lag, got %s", got)
	}
}

func TestTracker_Remove(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := dispatchtest.NewClock(start)
	tracker := NewTracker(5*time.Second, clock)

	tracker.RecordSeen("w0", start)
	tracker.Remove("w0")

	if _, ok := tracker.Snapshot()["w0"]; ok {
		t.Error("expected worker gone after Remove")
	}
}
