// Package worker is the process-isolated execution unit of the dispatcher.
//
// A worker accepts connections from the listening socket it inherited from
// the master, feeds them through a bounded queue to a fixed pool of handler
// threads, and reports liveness plus per-thread request slots back over its
// heartbeat pipe. It never talks to sibling workers.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"prefork/internal/check"
	"prefork/internal/dispatch"
	"prefork/internal/heartbeat"
)

// acceptRetryDelay is 50ms: long enough to avoid a hot loop on transient
// accept errors, short enough to be invisible under real load.
const acceptRetryDelay = 50 * time.Millisecond

// Options wires one worker run. Listener and Handler are injected so tests
// drive a worker in-process without fork/exec plumbing.
type Options struct {
	WorkerID string
	Listener net.Listener
	Handler  http.Handler

	Threads    int
	QueueDepth int

	// Heartbeat is the write end of the master's pipe; nil disables
	// reporting (in-process tests).
	Heartbeat         io.Writer
	HeartbeatInterval time.Duration

	Clock dispatch.Clock
}

// Run serves until ctx is cancelled, then drains: the listener closes first,
// queued and in-flight requests finish, open keep-alive connections are
// closed after their current request, and connections sitting idle between
// requests are closed outright. The master enforces the grace period; a
// worker that drains too slowly is killed.
func Run(ctx context.Context, opts Options) error {
	check.Assert(opts.Listener != nil, "worker.Run: Listener must not be nil")
	check.Assert(opts.Handler != nil, "worker.Run: Handler must not be nil")
	check.Assert(opts.Threads > 0, "worker.Run: Threads must be positive")

	log := slog.With("worker", opts.WorkerID, "pid", os.Getpid())

	queueDepth := opts.QueueDepth
	if queueDepth < 1 {
		queueDepth = 2 * opts.Threads
	}

	slots := NewSlots(opts.Threads, opts.Clock)
	pool := newPool(opts.WorkerID, queueDepth, opts.Handler, slots)
	pool.start(opts.Threads)

	// The heartbeat outlives ctx so the master keeps seeing slot state
	// while the worker drains.
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	if opts.Heartbeat != nil {
		interval := opts.HeartbeatInterval
		if interval <= 0 {
			interval = time.Second
		}
		sender := &heartbeat.Sender{
			WorkerID: opts.WorkerID,
			PID:      os.Getpid(),
			Out:      opts.Heartbeat,
			Interval: interval,
			Snapshot: slots.Snapshot,
			Clock:    opts.Clock,
		}
		go sender.Run(hbCtx)
	}

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		acceptLoop(opts.Listener, pool, log)
	}()

	go func() {
		<-ctx.Done()
		log.Info("worker draining")
		pool.startDraining()
		_ = opts.Listener.Close()
	}()

	<-acceptDone
	pool.closeQueue()
	pool.wait()
	log.Info("worker drained")
	return nil
}

// acceptLoop blocks in pool.submit when all threads are busy and the queue
// is full; waiting connections sit in the kernel backlog. That is the
// admission backpressure point, nothing is silently dropped.
func acceptLoop(ln net.Listener, pool *pool, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("accept failed", "err", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		pool.submit(conn)
	}
}
