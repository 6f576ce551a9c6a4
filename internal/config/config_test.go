package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/netmon"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "tether.db" {
		t.Errorf("expected DSN tether.db, got %s", cfg.Database.DSN)
	}
	if cfg.Conflict.Strategy != conflict.Merge {
		t.Errorf("expected merge strategy, got %s", cfg.Conflict.Strategy)
	}
	if cfg.Orchestrator.SyncSchedule != "@every 30s" {
		t.Errorf("expected 30s schedule, got %s", cfg.Orchestrator.SyncSchedule)
	}
	if cfg.Network.Mode != netmon.ModeNone {
		t.Errorf("expected network mode none, got %s", cfg.Network.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "/var/lib/tether/tether.db"

[queue]
max_attempts = 3
initial_delay = "250ms"

[conflict]
strategy = "manual"

[network]
mode = "probe"
probe_url = "http://remote.internal/health"
debounce_window = "1s"

[orchestrator]
workers = 8
sync_strategy = "pessimistic"
sync_schedule = "*/5 * * * *"

[remote]
base_url = "https://records.example.com"
timeout = "3s"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.DSN != "/var/lib/tether/tether.db" {
		t.Errorf("unexpected dsn %s", cfg.Database.DSN)
	}
	if cfg.Queue.MaxAttempts != 3 || cfg.Queue.InitialDelay != 250*time.Millisecond {
		t.Errorf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Network.DebounceWindow != time.Second {
		t.Errorf("expected 1s debounce, got %v", cfg.Network.DebounceWindow)
	}
	if cfg.Orchestrator.Workers != 8 || cfg.Orchestrator.SyncStrategy != orchestrator.Pessimistic {
		t.Errorf("unexpected orchestrator config %+v", cfg.Orchestrator)
	}
	if cfg.Remote.Timeout != 3*time.Second {
		t.Errorf("expected 3s remote timeout, got %v", cfg.Remote.Timeout)
	}

	// Unset keys keep their defaults
	if cfg.Queue.MaxDelay != DefaultConfig().Queue.MaxDelay {
		t.Errorf("expected default max delay, got %v", cfg.Queue.MaxDelay)
	}

	if got := cfg.OrchestratorConfig().ConflictStrategy; got != conflict.Manual {
		t.Errorf("expected conflict strategy carried into orchestrator, got %s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	if _, err := LoadFromFile(writeConfig(t, "[database\n")); err == nil {
		t.Error("expected parse error")
	}

	if _, err := LoadFromFile(writeConfig(t, "[queue]\nmax_attemps = 3\n")); err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[remote]
base_url = "http://from-file"
`)
	t.Setenv("TETHER_REMOTE_BASE_URL", "http://from-env")
	t.Setenv("TETHER_REMOTE_TOKEN", "s3cret")
	t.Setenv("TETHER_QUEUE_MAX_DELAY", "2m")
	t.Setenv("TETHER_QUEUE_BACKOFF_MULTIPLIER", "3")
	t.Setenv("TETHER_CONFLICT_STRATEGY", "local_wins")
	t.Setenv("TETHER_LOGGING_COMPRESS", "true")
	t.Setenv("TETHER_ORCHESTRATOR_WORKERS", "2")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Remote.BaseURL != "http://from-env" {
		t.Errorf("expected env to win over file, got %s", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Token != "s3cret" {
		t.Errorf("expected token from env, got %q", cfg.Remote.Token)
	}
	if cfg.Queue.MaxDelay != 2*time.Minute {
		t.Errorf("expected 2m max delay, got %v", cfg.Queue.MaxDelay)
	}
	if cfg.Queue.BackoffMultiplier != 3 {
		t.Errorf("expected multiplier 3, got %v", cfg.Queue.BackoffMultiplier)
	}
	if cfg.Conflict.Strategy != conflict.LocalWins {
		t.Errorf("expected local_wins, got %s", cfg.Conflict.Strategy)
	}
	if !cfg.Logging.Compress {
		t.Error("expected compress from env")
	}
	if cfg.Orchestrator.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Orchestrator.Workers)
	}
}

func TestLoadConfig_BadEnv(t *testing.T) {
	t.Setenv("TETHER_QUEUE_MAX_ATTEMPTS", "many")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected error for non-numeric env override")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unsupported driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"bad conflict strategy", func(c *Config) { c.Conflict.Strategy = "coin_flip" }},
		{"bad sync strategy", func(c *Config) { c.Orchestrator.SyncStrategy = "eager" }},
		{"bad schedule", func(c *Config) { c.Orchestrator.SyncSchedule = "sometimes" }},
		{"bad network mode", func(c *Config) { c.Network.Mode = "carrier_pigeon" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"no workers", func(c *Config) { c.Orchestrator.Workers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
