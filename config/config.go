// Package config holds the dispatcher configuration.
//
// Configuration is loaded once at startup from an optional YAML file plus
// command-line flags, normalized, and never mutated afterwards. The master
// hands workers the normalized form verbatim, so both sides of the fork see
// identical settings.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the deployment this dispatcher was built for:
// two workers with four handler threads each, bound to 0.0.0.0:5000,
// with a 120 second request timeout.
const (
	DefaultBind    = "0.0.0.0:5000"
	DefaultWorkers = 2
	DefaultThreads = 4

	defaultRequestTimeout    = 120 * time.Second
	defaultGracePeriod       = 30 * time.Second
	defaultHeartbeatInterval = 1 * time.Second
	defaultHeartbeatGrace    = 5 * time.Second
	defaultSupervisorTick    = 1 * time.Second
	defaultSpawnBackoffBase  = 500 * time.Millisecond
	defaultSpawnBackoffCap   = 8 * time.Second
	defaultSpawnAttempts     = 5

	// Default admission limit: 100 requests per client per hour.
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Hour
)

// Config is the immutable dispatcher configuration.
type Config struct {
	Bind    string `yaml:"bind" json:"bind"`
	Workers int    `yaml:"workers" json:"workers"`
	Threads int    `yaml:"threads" json:"threads"`

	// RequestTimeout is the maximum wall-clock time one request may take
	// before its worker is forcibly replaced.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`

	// GracePeriod bounds how long shutdown waits for in-flight work.
	GracePeriod Duration `yaml:"grace_period" json:"grace_period"`

	// Liveness and replacement tunables.
	HeartbeatInterval Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatGrace    Duration `yaml:"heartbeat_grace" json:"heartbeat_grace"`
	SupervisorTick    Duration `yaml:"supervisor_tick" json:"supervisor_tick"`
	SpawnBackoffBase  Duration `yaml:"spawn_backoff_base" json:"spawn_backoff_base"`
	SpawnBackoffCap   Duration `yaml:"spawn_backoff_cap" json:"spawn_backoff_cap"`
	SpawnAttempts     int      `yaml:"spawn_attempts" json:"spawn_attempts"`

	// AcceptQueueDepth bounds the per-worker queue of accepted connections
	// waiting for a free handler thread. Zero means 2x threads.
	AcceptQueueDepth int `yaml:"accept_queue_depth" json:"accept_queue_depth"`

	ControlSocket string `yaml:"control_socket" json:"control_socket"`
	StatePath     string `yaml:"state_path" json:"state_path"`
	LogLevel      string `yaml:"log_level" json:"log_level"`

	RateLimit RateLimit `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimit configures the per-client admission limiter applied in every
// worker before the hosted application sees a request.
type RateLimit struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`

	// RedisAddr, when set, shares limiter state across worker processes.
	// Empty means per-process in-memory buckets.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// TrustForwardedFor keys limits on the first X-Forwarded-For hop
	// instead of the peer address.
	TrustForwardedFor bool `yaml:"trust_forwarded_for" json:"trust_forwarded_for"`
}

// Default returns the baseline configuration before file and flag overrides.
func Default() Config {
	return Config{
		Bind:              DefaultBind,
		Workers:           DefaultWorkers,
		Threads:           DefaultThreads,
		RequestTimeout:    Duration(defaultRequestTimeout),
		GracePeriod:       Duration(defaultGracePeriod),
		HeartbeatInterval: Duration(defaultHeartbeatInterval),
		HeartbeatGrace:    Duration(defaultHeartbeatGrace),
		SupervisorTick:    Duration(defaultSupervisorTick),
		SpawnBackoffBase:  Duration(defaultSpawnBackoffBase),
		SpawnBackoffCap:   Duration(defaultSpawnBackoffCap),
		SpawnAttempts:     defaultSpawnAttempts,
		ControlSocket:     defaultControlSocket(),
		StatePath:         defaultStatePath(),
		LogLevel:          "info",
		RateLimit: RateLimit{
			Requests: defaultRateLimitRequests,
			Window:   Duration(defaultRateLimitWindow),
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Normalize fills derived defaults and validates the result.
func Normalize(cfg Config) (Config, error) {
	if cfg.AcceptQueueDepth == 0 {
		cfg.AcceptQueueDepth = 2 * cfg.Threads
	}
	if cfg.SpawnAttempts == 0 {
		cfg.SpawnAttempts = defaultSpawnAttempts
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = defaultControlSocket()
	}
	if cfg.StatePath == "" {
		cfg.StatePath = defaultStatePath()
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if _, _, err := net.SplitHostPort(cfg.Bind); err != nil {
		return fmt.Errorf("bind address %q: %w", cfg.Bind, err)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", cfg.Threads)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", cfg.RequestTimeout)
	}
	if cfg.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %s", cfg.GracePeriod)
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatGrace <= 0 || cfg.SupervisorTick <= 0 {
		return errors.New("heartbeat_interval, heartbeat_grace and supervisor_tick must be positive")
	}
	if cfg.HeartbeatGrace.Std() <= cfg.HeartbeatInterval.Std() {
		return fmt.Errorf("heartbeat_grace (%s) must exceed heartbeat_interval (%s)",
			cfg.HeartbeatGrace, cfg.HeartbeatInterval)
	}
	if cfg.SpawnBackoffBase <= 0 || cfg.SpawnBackoffCap < cfg.SpawnBackoffBase {
		return errors.New("spawn backoff base must be positive and not exceed the cap")
	}
	if cfg.SpawnAttempts < 1 {
		return fmt.Errorf("spawn_attempts must be at least 1, got %d", cfg.SpawnAttempts)
	}
	if cfg.AcceptQueueDepth < 1 {
		return fmt.Errorf("accept_queue_depth must be at least 1, got %d", cfg.AcceptQueueDepth)
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Requests < 1 {
			return fmt.Errorf("rate_limit.requests must be at least 1, got %d", cfg.RateLimit.Requests)
		}
		if cfg.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive, got %s", cfg.RateLimit.Window)
		}
	}
	return nil
}

func defaultControlSocket() string {
	if runtime.GOOS == "darwin" {
		return "/tmp/preforkd.sock"
	}
	return "/var/run/preforkd.sock"
}

func defaultStatePath() string {
	if runtime.GOOS == "darwin" {
		return "/usr/local/var/lib/preforkd/state.db"
	}
	return "/var/lib/preforkd/state.db"
}
