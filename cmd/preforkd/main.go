package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"prefork/config"
	daemonruntime "prefork/daemon"
	"prefork/internal/logging"
	"prefork/internal/support/buildinfo"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath    string
		bind          string
		workers       int
		threads       int
		timeout       time.Duration
		grace         time.Duration
		controlSocket string
		statePath     string
		debug         bool
	)

	cmd := &cobra.Command{
		Use:     "preforkd",
		Short:   "Pre-fork multi-threaded HTTP dispatcher",
		Version: buildinfo.Version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags override the file only when set explicitly.
			flags := cmd.Flags()
			if flags.Changed("bind") {
				cfg.Bind = bind
			}
			if flags.Changed("workers") {
				cfg.Workers = workers
			}
			if flags.Changed("threads") {
				cfg.Threads = threads
			}
			if flags.Changed("timeout") {
				cfg.RequestTimeout = config.Duration(timeout)
			}
			if flags.Changed("grace-period") {
				cfg.GracePeriod = config.Duration(grace)
			}
			if flags.Changed("control-socket") {
				cfg.ControlSocket = controlSocket
			}
			if flags.Changed("state-db") {
				cfg.StatePath = statePath
			}
			if debug {
				cfg.LogLevel = logging.LevelDebug
			}

			cfg, err = config.Normalize(cfg)
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.LogLevel); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemonruntime.Run(ctx, cfg, defaultApp())
		},
	}

	def := config.Default()
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file path")
	cmd.Flags().StringVar(&bind, "bind", def.Bind, "Listen address")
	cmd.Flags().IntVar(&workers, "workers", def.Workers, "Worker process count")
	cmd.Flags().IntVar(&threads, "threads", def.Threads, "Handler threads per worker")
	cmd.Flags().DurationVar(&timeout, "timeout", def.RequestTimeout.Std(), "Request timeout before the worker is replaced")
	cmd.Flags().DurationVar(&grace, "grace-period", def.GracePeriod.Std(), "Shutdown drain deadline")
	cmd.Flags().StringVar(&controlSocket, "control-socket", def.ControlSocket, "Control socket path")
	cmd.Flags().StringVar(&statePath, "state-db", def.StatePath, "State database path")
	return cmd
}

// defaultApp is the handler served when preforkd runs standalone. Embedders
// call daemon.Run with their own application instead.
func defaultApp() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"pid":    os.Getpid(),
		})
	})
	return mux
}
