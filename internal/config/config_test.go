package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if cfg.State.AwaitingWindow.Std() != time.Minute {
		t.Errorf("awaiting window = %v", cfg.State.AwaitingWindow.Std())
	}
	if cfg.Hub.OutboxSize != 256 {
		t.Errorf("outbox size = %d", cfg.Hub.OutboxSize)
	}
	if cfg.Hub.Heartbeat.Std() != 30*time.Second {
		t.Errorf("heartbeat = %v", cfg.Hub.Heartbeat.Std())
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// dashboard config
		server: { port: 9999 },
		logs: { level: "debug" },
		watcher: { debounce: "100ms" },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Logs.Level != "debug" {
		t.Errorf("level = %q", cfg.Logs.Level)
	}
	if cfg.Watcher.Debounce.Std() != 100*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Watcher.Debounce.Std())
	}
	// Untouched sections keep their defaults.
	if cfg.Cache.MaxEntries != 512 {
		t.Errorf("max_entries = %d", cfg.Cache.MaxEntries)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte("{server:"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWSCOPE_PORT", "7777")
	t.Setenv("CLAWSCOPE_ROOT", "/tmp/logs")
	t.Setenv("CLAWSCOPE_LOG", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Logs.Root != "/tmp/logs" {
		t.Errorf("root = %q", cfg.Logs.Root)
	}
	if cfg.Logs.Level != "warn" {
		t.Errorf("level = %q", cfg.Logs.Level)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"empty root", func(c *Config) { c.Logs.Root = "" }},
		{"non-ip bind", func(c *Config) { c.Server.Bind = "example.com" }},
		{"remote bind without allow_remote", func(c *Config) { c.Server.Bind = "0.0.0.0" }},
		{"bad log level", func(c *Config) { c.Logs.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRemoteBindAllowed(t *testing.T) {
	cfg := Default()
	cfg.Server.Bind = "0.0.0.0"
	cfg.Server.AllowRemote = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("allow_remote bind rejected: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != home+"/x" {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome = %q", got)
	}
}
