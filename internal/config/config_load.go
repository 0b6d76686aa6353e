package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults: loopback only, the
// assistant's standard log root, conservative cache TTLs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:           "127.0.0.1",
			Port:           8420,
			RequestTimeout: Duration(30 * time.Second),
		},
		Logs: LogsConfig{
			Root:  DefaultRoot(),
			Level: "info",
		},
		Cache: CacheConfig{
			FileTTL:       Duration(30 * time.Second),
			ParsedTTL:     Duration(15 * time.Second),
			ComputedTTL:   Duration(10 * time.Second),
			MetaTTL:       Duration(5 * time.Second),
			MaxEntries:    512,
			SweepInterval: Duration(15 * time.Second),
		},
		Watcher: WatcherConfig{
			Debounce: Duration(250 * time.Millisecond),
		},
		State: StateConfig{
			ErrorWindow:    Duration(30 * time.Second),
			ActiveWindow:   Duration(5 * time.Second),
			AwaitingWindow: Duration(60 * time.Second),
			IdleWindow:     Duration(10 * time.Minute),
		},
		Hub: HubConfig{
			RebuildInterval: Duration(500 * time.Millisecond),
			HealthInterval:  Duration(30 * time.Second),
			OutboxSize:      256,
			Heartbeat:       Duration(30 * time.Second),
		},
		Process: ProcessConfig{
			MatchName:   "claude",
			SnapshotTTL: Duration(500 * time.Millisecond),
		},
	}
}

// Load reads config from a json5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Logs.Root = ExpandHome(cfg.Logs.Root)
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLAWSCOPE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CLAWSCOPE_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("CLAWSCOPE_ROOT"); v != "" {
		c.Logs.Root = v
	}
	if v := os.Getenv("CLAWSCOPE_LOG"); v != "" {
		c.Logs.Level = v
	}
}
