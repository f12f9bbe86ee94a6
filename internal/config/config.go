// Package config loads inboxd's on-disk configuration: the three task
// queues, recurring specs, inference service paths/ports, and ambient
// settings (log level, idle-shutdown delay, state-changing callable set).
//
// The configuration loader is itself an out-of-scope collaborator per the
// core spec (only its output shape matters to the core); this is the minimal
// ambient implementation needed to actually boot the daemon, built the way
// the rest of the example pack builds config loaders: a single YAML file,
// environment overrides, and a fsnotify watcher for the fields that are
// safe to hot-reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueName is one of the three named task queues the core declares.
type QueueName string

const (
	QueueGeneral    QueueName = "general"
	QueueCompletion QueueName = "completion"
	QueueEmbedding  QueueName = "embedding"
)

// RecurringSpecConfig is the on-disk form of a RecurringSpec (§3).
type RecurringSpecConfig struct {
	Name       string            `yaml:"name"`
	CallableID string            `yaml:"callable_id"`
	Queue      QueueName         `yaml:"queue"`
	IntervalS  int               `yaml:"interval_seconds"`
	CronExpr   string            `yaml:"cron_expr,omitempty"` // optional; overrides IntervalS when set
	Args       []string          `yaml:"args,omitempty"`
	Named      map[string]string `yaml:"named_args,omitempty"`
}

// ModelConfig describes one of the two inference child processes (§4.3).
type ModelConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Executable string `yaml:"executable"`
	ModelPath  string `yaml:"model_path"`
	Port       int    `yaml:"port"`
	ContextLen int    `yaml:"context_size"`
}

// InferenceConfig configures the Inference Supervisor (C3).
type InferenceConfig struct {
	Embedding         ModelConfig `yaml:"embedding"`
	Completion        ModelConfig `yaml:"completion"`
	IdleShutdownMS    int         `yaml:"idle_shutdown_ms"`    // default 5000
	ReadyTimeoutMS    int         `yaml:"ready_timeout_ms"`    // default 60000
	GraceTerminateMS  int         `yaml:"grace_terminate_ms"`  // default 5000
}

// NotifierConfig names the callables whose completion triggers mailbox
// state fan-out over the Event Bus (§4.8).
type NotifierConfig struct {
	StateChangingCallables []string `yaml:"state_changing_callables"`
}

// EventBusConfig configures the Event Bus (C9).
type EventBusConfig struct {
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"` // default 10000
}

// Config is the fully-resolved daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`
	BindAddr string `yaml:"bind_addr"`

	Notifier  NotifierConfig  `yaml:"notifier"`
	Bus       EventBusConfig  `yaml:"event_bus"`
	Models    InferenceConfig `yaml:"inference"`

	Recurring []RecurringSpecConfig `yaml:"recurring_tasks"`

	OTel OTelConfig `yaml:"otel"`
}

// OTelConfig configures the ambient tracing/metrics layer.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "otlphttp"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// HomeDir resolves the daemon's data directory: $INBOXD_HOME, else
// ~/.inboxd.
func HomeDir() string {
	if override := os.Getenv("INBOXD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inboxd"
	}
	return filepath.Join(home, ".inboxd")
}

// ConfigPath returns the path to config.yaml inside homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		BindAddr: "127.0.0.1:18840",
		Notifier: NotifierConfig{
			StateChangingCallables: []string{
				"process_inbox_thread",
				"execute_function_for_message",
			},
		},
		Bus: EventBusConfig{HeartbeatIntervalMS: 10_000},
		Models: InferenceConfig{
			Embedding: ModelConfig{
				Enabled:    true,
				ModelPath:  "models/embedding.gguf",
				Port:       17726,
				ContextLen: 512,
			},
			Completion: ModelConfig{
				Enabled:    true,
				ModelPath:  "models/completion.gguf",
				Port:       17727,
				ContextLen: 8192,
			},
			IdleShutdownMS:   5_000,
			ReadyTimeoutMS:   60_000,
			GraceTerminateMS: 5_000,
		},
		Recurring: []RecurringSpecConfig{
			{
				Name:       "sync_inbox",
				CallableID: "sync_inbox",
				Queue:      QueueGeneral,
				IntervalS:  30,
			},
		},
	}
}

// Load reads config.yaml from HomeDir(), creating a default file on first
// run, then applies environment overrides.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("create home dir: %w", err)
	}

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if unmarshalErr := yaml.Unmarshal(data, &cfg); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config: %w", unmarshalErr)
		}
	case os.IsNotExist(err):
		out, marshalErr := yaml.Marshal(cfg)
		if marshalErr != nil {
			return Config{}, fmt.Errorf("marshal default config: %w", marshalErr)
		}
		if writeErr := os.WriteFile(path, out, 0o644); writeErr != nil {
			return Config{}, fmt.Errorf("write default config: %w", writeErr)
		}
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INBOXD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INBOXD_QUIET"); v != "" {
		cfg.Quiet = strings.EqualFold(v, "1") || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("INBOXD_IDLE_SHUTDOWN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Models.IdleShutdownMS = ms
		}
	}
	if v := os.Getenv("INBOXD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
}

// IdleShutdown returns the configured idle-shutdown delay, defaulting to 5s
// per spec §4.3.
func (c Config) IdleShutdown() time.Duration {
	if c.Models.IdleShutdownMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Models.IdleShutdownMS) * time.Millisecond
}

// ReadyTimeout returns the configured readiness-poll timeout, defaulting to
// 60s per spec §4.3.
func (c Config) ReadyTimeout() time.Duration {
	if c.Models.ReadyTimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Models.ReadyTimeoutMS) * time.Millisecond
}

// GraceTerminate returns the configured ForceStop grace period, defaulting
// to 5s per spec §4.3.
func (c Config) GraceTerminate() time.Duration {
	if c.Models.GraceTerminateMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Models.GraceTerminateMS) * time.Millisecond
}

// Reload re-reads config.yaml and applies only the fields that are safe to
// change live: log level, quiet flag, idle-shutdown delay, and the
// state-changing callable set. Queue definitions and recurring specs are
// fixed at startup per §3 ("RecurringSpec: mutable only at startup") and are
// intentionally left untouched here.
func (c *Config) Reload() error {
	path := ConfigPath(c.HomeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	var fresh Config
	fresh.HomeDir = c.HomeDir
	if err := yaml.Unmarshal(data, &fresh); err != nil {
		return fmt.Errorf("reload config: parse: %w", err)
	}
	c.LogLevel = fresh.LogLevel
	c.Quiet = fresh.Quiet
	c.Models.IdleShutdownMS = fresh.Models.IdleShutdownMS
	c.Notifier.StateChangingCallables = fresh.Notifier.StateChangingCallables
	return nil
}
