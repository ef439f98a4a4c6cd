// Package daemon composes the dispatcher process.
//
// The same binary runs both roles: Run detects the worker environment left
// by the master's spawner and branches into the worker runtime; otherwise it
// becomes the master, which re-executes the binary once per worker slot.
// This keeps the hosted application compiled into every role without any
// shared memory between workers.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"prefork/config"
	"prefork/internal/control"
	"prefork/internal/control/state"
	"prefork/internal/dispatch"
	"prefork/internal/master"
	"prefork/internal/middleware"
	"prefork/internal/telemetry"
	"prefork/internal/worker"
)

// Run hosts app behind the pre-fork dispatcher until ctx is cancelled.
// The dispatcher never inspects the application's routes.
func Run(ctx context.Context, cfg config.Config, app http.Handler) error {
	if workerID := os.Getenv(dispatch.EnvWorkerID); workerID != "" {
		return runWorker(ctx, workerID, app)
	}
	return runMaster(ctx, cfg)
}

func runMaster(ctx context.Context, cfg config.Config) error {
	ln, lnFile, err := master.Listen(cfg.Bind)
	if err != nil {
		return err
	}
	defer func() { _ = lnFile.Close() }()

	journal, err := state.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serialize worker config: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	spawner := &master.ExecSpawner{
		Exe:        exe,
		Args:       os.Args[1:],
		Listener:   lnFile,
		ConfigJSON: string(cfgJSON),
	}
	m := master.New(cfg, spawner, journal, master.WithListener(ln))

	health := control.NewHealthServer()
	health.SetServing()

	// Runtime pool scaling: TTIN grows the pool, TTOU shrinks it.
	scaleCh := make(chan os.Signal, 4)
	signal.Notify(scaleCh, syscall.SIGTTIN, syscall.SIGTTOU)
	defer signal.Stop(scaleCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-scaleCh:
				if sig == syscall.SIGTTIN {
					m.Resize(1)
				} else {
					m.Resize(-1)
				}
			}
		}
	}()

	// Probes fail the moment shutdown begins; the control socket itself
	// stays up until the pool has drained.
	go func() {
		<-ctx.Done()
		health.SetNotServing()
	}()
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()

	g := new(errgroup.Group)
	g.Go(func() error {
		defer stopHealth()
		return m.Run(ctx)
	})
	g.Go(func() error {
		return health.ListenAndServe(healthCtx, cfg.ControlSocket)
	})
	return g.Wait()
}

func runWorker(ctx context.Context, workerID string, app http.Handler) error {
	raw := os.Getenv(dispatch.EnvConfig)
	var cfg config.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return fmt.Errorf("decode worker config: %w", err)
	}

	lnFile := os.NewFile(uintptr(dispatch.ListenerFD), "listener")
	ln, err := net.FileListener(lnFile)
	if err != nil {
		return fmt.Errorf("reconstruct inherited listener: %w", err)
	}
	// FileListener dups the descriptor; the original is no longer needed.
	_ = lnFile.Close()

	hbPipe := os.NewFile(uintptr(dispatch.HeartbeatFD), "heartbeat")

	tp := telemetry.NewTracerProvider("preforkd", workerID)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	handler := Handler(cfg, workerID, tp.Tracer("prefork/worker"), app)

	return worker.Run(ctx, worker.Options{
		WorkerID:          workerID,
		Listener:          ln,
		Handler:           handler,
		Threads:           cfg.Threads,
		QueueDepth:        cfg.AcceptQueueDepth,
		Heartbeat:         hbPipe,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
	})
}

// Handler wraps the hosted application with the dispatcher-level middleware:
// tracing outermost, then access logging, then rate limiting.
func Handler(cfg config.Config, workerID string, tracer trace.Tracer, app http.Handler) http.Handler {
	h := app
	if cfg.RateLimit.Enabled {
		opts := middleware.RateLimitOptions{
			Requests:           cfg.RateLimit.Requests,
			Window:             cfg.RateLimit.Window.Std(),
			TrustXForwardedFor: cfg.RateLimit.TrustForwardedFor,
		}
		if cfg.RateLimit.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
			opts.Counter = middleware.NewRedisCounter(rdb, "")
		}
		h = middleware.RateLimit(opts)(h)
	}
	h = middleware.AccessLog(slog.With("worker", workerID), nil)(h)
	h = telemetry.Middleware(tracer)(h)
	return h
}
