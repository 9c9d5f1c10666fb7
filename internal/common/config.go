package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Pool        PoolConfig      `toml:"pool"`
	Browser     BrowserConfig   `toml:"browser"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Retention   RetentionConfig `toml:"retention"`
	Templates   TemplatesConfig `toml:"templates"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger   BadgerConfig   `toml:"badger"`
	Sessions SessionsConfig `toml:"sessions"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	SyncWrites     bool   `toml:"sync_writes"`      // fsync every commit
}

// SessionsConfig selects where session state blobs live
type SessionsConfig struct {
	Backend string `toml:"backend"` // "badger" or "filesystem"
	Dir     string `toml:"dir"`     // filesystem backend directory
}

// PoolConfig sizes the browser worker pool
type PoolConfig struct {
	Size            int    `toml:"size"`             // N concurrent browser contexts
	RestartAttempts int    `toml:"restart_attempts"` // before a slot is removed from rotation
	RestartBackoff  string `toml:"restart_backoff"`  // first backoff between restart attempts, doubles
	OpenTimeout     string `toml:"open_timeout"`     // bound on opening a context
	CloseTimeout    string `toml:"close_timeout"`    // bound on tearing down a context
}

// BrowserConfig is passed to the chromedp allocator
type BrowserConfig struct {
	Headless     bool   `toml:"headless"`
	NoSandbox    bool   `toml:"no_sandbox"`
	DisableGPU   bool   `toml:"disable_gpu"`
	UserAgent    string `toml:"user_agent"`
	WindowWidth  int    `toml:"window_width"`
	WindowHeight int    `toml:"window_height"`
	ExecPath     string `toml:"exec_path"` // empty = chromedp discovery
}

// SchedulerConfig controls job execution
type SchedulerConfig struct {
	DefaultTimeout  string `toml:"default_timeout"`   // per job when the request sets none
	MaxTimeout      string `toml:"max_timeout"`       // upper clamp for requested timeouts
	MaxAttempts     int    `toml:"max_attempts"`      // attempts for timeouts and crashes
	RetryBackoff    string `toml:"retry_backoff"`     // delay before the 2nd attempt, doubles after
	RetryMaxBackoff string `toml:"retry_max_backoff"` // cap for the retry delay
	CancelGrace     string `toml:"cancel_grace"`      // wait for the engine to honour a cancel
	AcquireTimeout  string `toml:"acquire_timeout"`   // 0 = wait for a slot indefinitely
	SessionIOTime   string `toml:"session_io_timeout"`
}

// RetentionConfig drives the optional session eviction sweep
type RetentionConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // cron, 5 fields
	MaxIdle  string `toml:"max_idle"` // evict sessions unused for longer than this
}

// TemplatesConfig points at recurring job template files (TOML/YAML)
type TemplatesConfig struct {
	Dir string `toml:"dir"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
	Dir    string   `toml:"dir"`    // file output directory, empty = <exe dir>/logs
}

// WebSocketConfig contains configuration for the event stream
type WebSocketConfig struct {
	Throttle      string   `toml:"throttle"`       // min interval between broadcast slot_state events
	AllowedEvents []string `toml:"allowed_events"` // empty = all
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8086,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:       "./data/db",
				SyncWrites: true,
			},
			Sessions: SessionsConfig{
				Backend: "badger",
				Dir:     "./data/sessions",
			},
		},
		Pool: PoolConfig{
			Size:            2,
			RestartAttempts: 3,
			RestartBackoff:  "1s",
			OpenTimeout:     "30s",
			CloseTimeout:    "10s",
		},
		Browser: BrowserConfig{
			Headless:     true,
			NoSandbox:    true,
			DisableGPU:   true,
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			WindowWidth:  1366,
			WindowHeight: 900,
		},
		Scheduler: SchedulerConfig{
			DefaultTimeout:  "60s",
			MaxTimeout:      "10m",
			MaxAttempts:     3,
			RetryBackoff:    "5s",
			RetryMaxBackoff: "2m",
			CancelGrace:     "5s",
			AcquireTimeout:  "0s",
			SessionIOTime:   "10s",
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "15 3 * * *",
			MaxIdle:  "720h",
		},
		Templates: TemplatesConfig{
			Dir: "./job-templates",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			Throttle: "250ms",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies DROVER_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DROVER_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("DROVER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("DROVER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage
	if badgerPath := os.Getenv("DROVER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if backend := os.Getenv("DROVER_SESSIONS_BACKEND"); backend != "" {
		config.Storage.Sessions.Backend = backend
	}
	if dir := os.Getenv("DROVER_SESSIONS_DIR"); dir != "" {
		config.Storage.Sessions.Dir = dir
	}

	// Pool
	if size := os.Getenv("DROVER_POOL_SIZE"); size != "" {
		if s, err := strconv.Atoi(size); err == nil {
			config.Pool.Size = s
		}
	}
	if attempts := os.Getenv("DROVER_POOL_RESTART_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			config.Pool.RestartAttempts = a
		}
	}

	// Browser
	if headless := os.Getenv("DROVER_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if execPath := os.Getenv("DROVER_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}
	if userAgent := os.Getenv("DROVER_BROWSER_USER_AGENT"); userAgent != "" {
		config.Browser.UserAgent = userAgent
	}

	// Scheduler
	if timeout := os.Getenv("DROVER_SCHEDULER_DEFAULT_TIMEOUT"); timeout != "" {
		config.Scheduler.DefaultTimeout = timeout
	}
	if maxAttempts := os.Getenv("DROVER_SCHEDULER_MAX_ATTEMPTS"); maxAttempts != "" {
		if m, err := strconv.Atoi(maxAttempts); err == nil {
			config.Scheduler.MaxAttempts = m
		}
	}

	// Retention
	if enabled := os.Getenv("DROVER_RETENTION_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Retention.Enabled = e
		}
	}
	if maxIdle := os.Getenv("DROVER_RETENTION_MAX_IDLE"); maxIdle != "" {
		config.Retention.MaxIdle = maxIdle
	}

	// Templates
	if dir := os.Getenv("DROVER_TEMPLATES_DIR"); dir != "" {
		config.Templates.Dir = dir
	}

	// Logging
	if level := os.Getenv("DROVER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if dir := os.Getenv("DROVER_LOG_DIR"); dir != "" {
		config.Logging.Dir = dir
	}
	if output := os.Getenv("DROVER_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be greater than 0, got: %d", c.Pool.Size)
	}
	if c.Pool.RestartAttempts <= 0 {
		return fmt.Errorf("pool.restart_attempts must be greater than 0, got: %d", c.Pool.RestartAttempts)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be greater than 0, got: %d", c.Scheduler.MaxAttempts)
	}
	switch c.Storage.Sessions.Backend {
	case "badger", "filesystem":
	default:
		return fmt.Errorf("unsupported session backend: %s (expected 'badger' or 'filesystem')", c.Storage.Sessions.Backend)
	}
	if c.Retention.Enabled {
		if err := ValidateSchedule(c.Retention.Schedule); err != nil {
			return fmt.Errorf("retention.schedule: %w", err)
		}
	}
	return nil
}

// ValidateSchedule validates a standard 5-field cron expression
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDuration parses a duration config value, returning fallback for empty or invalid input
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		GetLogger().Warn().
			Str("value", value).
			Dur("fallback", fallback).
			Msg("Invalid duration in configuration, using fallback")
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
