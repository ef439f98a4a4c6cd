// Package heartbeat carries worker liveness reports to the master.
//
// Each worker owns the write end of a pipe inherited at spawn and sends one
// newline-delimited JSON report per interval. The master reads the other end;
// silence past the configured grace is treated as a crash, and the embedded
// request slots feed the timeout supervisor.
package heartbeat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"prefork/internal/dispatch"
)

// maxWriteFailures is 10: consecutive report failures before logging a warning.
// The pipe breaking entirely is detected master-side as staleness.
const maxWriteFailures = 10

// ThreadSlot is the per-thread record of the request currently being handled.
// A zero StartedAt means the thread is idle.
type ThreadSlot struct {
	Thread    int   `json:"thread"`
	Busy      bool  `json:"busy,omitempty"`
	StartedAt int64 `json:"started_at,omitempty"` // unix nanoseconds
}

// Report is one liveness report from a worker.
type Report struct {
	WorkerID string       `json:"worker_id"`
	PID      int          `json:"pid"`
	SentAt   time.Time    `json:"sent_at"`
	Slots    []ThreadSlot `json:"slots"`
}

// Sender periodically writes reports for one worker.
type Sender struct {
	WorkerID string
	PID      int
	Out      io.Writer
	Interval time.Duration
	Snapshot func() []ThreadSlot
	Clock    dispatch.Clock
}

func (s *Sender) clock() dispatch.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return dispatch.RealClock{}
}

// Run sends a report immediately and then once per interval until ctx is
// cancelled. Write failures are counted, not fatal.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	enc := json.NewEncoder(s.Out)

	var consecutiveFailures int
	for {
		report := Report{
			WorkerID: s.WorkerID,
			PID:      s.PID,
			SentAt:   s.clock().Now().UTC(),
			Slots:    s.Snapshot(),
		}
		if err := enc.Encode(report); err != nil {
			consecutiveFailures++
			if consecutiveFailures == maxWriteFailures {
				slog.Warn("heartbeat write failing repeatedly",
					"worker", s.WorkerID, "failures", consecutiveFailures, "err", err)
			}
		} else {
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stream decodes reports from r until EOF or a decode error, delivering them
// in order on the returned channel. The channel is closed when r is
// exhausted, which for a pipe means the worker exited.
func Stream(r io.Reader) <-chan Report {
	out := make(chan Report)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var report Report
			if err := json.Unmarshal(line, &report); err != nil {
				slog.Warn("discarding malformed heartbeat line", "err", err)
				continue
			}
			out <- report
		}
	}()
	return out
}
