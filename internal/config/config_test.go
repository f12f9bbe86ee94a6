package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/inboxd/internal/config"
)

func TestLoad_WritesDefaultConfigOnFirstRun(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("INBOXD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log_level=info, got %q", cfg.LogLevel)
	}
	if cfg.BindAddr != "127.0.0.1:18840" {
		t.Fatalf("expected default bind_addr, got %q", cfg.BindAddr)
	}
	if _, err := os.Stat(config.ConfigPath(home)); err != nil {
		t.Fatalf("expected config.yaml to be written: %v", err)
	}
	if len(cfg.Recurring) != 1 || cfg.Recurring[0].CallableID != "sync_inbox" {
		t.Fatalf("expected default sync_inbox recurring spec, got %+v", cfg.Recurring)
	}
}

func TestLoad_ReadsExistingConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\nquiet: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INBOXD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if !cfg.Quiet {
		t.Fatal("expected quiet=true")
	}
}

func TestLoad_EnvOverridesTakePrecedence(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("INBOXD_HOME", home)
	t.Setenv("INBOXD_LOG_LEVEL", "warn")
	t.Setenv("INBOXD_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("INBOXD_IDLE_SHUTDOWN_MS", "1500")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env-overridden log_level=warn, got %q", cfg.LogLevel)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("expected env-overridden bind_addr, got %q", cfg.BindAddr)
	}
	if cfg.Models.IdleShutdownMS != 1500 {
		t.Fatalf("expected env-overridden idle_shutdown_ms=1500, got %d", cfg.Models.IdleShutdownMS)
	}
}

func TestReload_UpdatesOnlyHotReloadableFields(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("INBOXD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	originalQueue := cfg.Recurring[0].Queue

	if err := os.WriteFile(config.ConfigPath(home), []byte(
		"log_level: debug\nquiet: true\nnotifier:\n  state_changing_callables: [\"only_one\"]\nrecurring_tasks:\n  - name: changed\n    callable_id: changed\n    queue: completion\n    interval_seconds: 99\n"),
		0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if err := cfg.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "debug" || !cfg.Quiet {
		t.Fatalf("expected hot-reloadable fields to update, got log_level=%q quiet=%v", cfg.LogLevel, cfg.Quiet)
	}
	if len(cfg.Notifier.StateChangingCallables) != 1 || cfg.Notifier.StateChangingCallables[0] != "only_one" {
		t.Fatalf("expected state_changing_callables to update, got %+v", cfg.Notifier.StateChangingCallables)
	}
	if cfg.Recurring[0].Queue != originalQueue {
		t.Fatalf("recurring specs must stay fixed at startup, queue changed to %q", cfg.Recurring[0].Queue)
	}
}

func TestIdleShutdown_DefaultsWhenUnset(t *testing.T) {
	var cfg config.Config
	if got, want := cfg.IdleShutdown().Milliseconds(), int64(5000); got != want {
		t.Fatalf("expected default idle shutdown %dms, got %dms", want, got)
	}
}
