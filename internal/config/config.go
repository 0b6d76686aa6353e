// Package config holds the server configuration: json5 file with env
// overrides on top of defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logs    LogsConfig    `json:"logs"`
	Cache   CacheConfig   `json:"cache"`
	Watcher WatcherConfig `json:"watcher"`
	State   StateConfig   `json:"state"`
	Hub     HubConfig     `json:"hub"`
	Process ProcessConfig `json:"process"`
}

// ServerConfig covers the listener and the HTTP surface.
type ServerConfig struct {
	Bind           string   `json:"bind"`
	Port           int      `json:"port"`
	AllowRemote    bool     `json:"allow_remote"`
	RequestTimeout Duration `json:"request_timeout"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Bind, fmt.Sprintf("%d", s.Port))
}

// LogsConfig locates the transcript tree.
type LogsConfig struct {
	Root  string `json:"root"`
	Level string `json:"level"` // debug, info, warn, error
}

// CacheConfig tunes the layered cache.
type CacheConfig struct {
	FileTTL       Duration `json:"file_ttl"`
	ParsedTTL     Duration `json:"parsed_ttl"`
	ComputedTTL   Duration `json:"computed_ttl"`
	MetaTTL       Duration `json:"meta_ttl"`
	MaxEntries    int      `json:"max_entries"`
	SweepInterval Duration `json:"sweep_interval"`
}

// WatcherConfig tunes filesystem event handling.
type WatcherConfig struct {
	Debounce Duration `json:"debounce"`
}

// StateConfig carries the classifier thresholds.
type StateConfig struct {
	ErrorWindow    Duration `json:"error_window"`
	ActiveWindow   Duration `json:"active_window"`
	AwaitingWindow Duration `json:"awaiting_window"`
	IdleWindow     Duration `json:"idle_window"`
}

// HubConfig tunes WebSocket fan-out.
type HubConfig struct {
	RebuildInterval Duration `json:"rebuild_interval"`
	HealthInterval  Duration `json:"health_interval"`
	OutboxSize      int      `json:"outbox_size"`
	Heartbeat       Duration `json:"heartbeat"`
}

// ProcessConfig controls assistant process detection.
type ProcessConfig struct {
	MatchName    string   `json:"match_name"`
	MatchCmdline string   `json:"match_cmdline"`
	SnapshotTTL  Duration `json:"snapshot_ttl"`
}

// Duration is a time.Duration that accepts "30s" strings or raw
// nanosecond numbers in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' {
		parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscanf(string(data), "%d", &ns); err != nil {
		return fmt.Errorf("parse duration: %q", data)
	}
	*d = Duration(ns)
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Logs.Root == "" {
		return fmt.Errorf("logs.root is empty")
	}
	if ip := net.ParseIP(c.Server.Bind); ip == nil {
		return fmt.Errorf("server.bind %q is not an IP address", c.Server.Bind)
	} else if !ip.IsLoopback() && !c.Server.AllowRemote {
		return fmt.Errorf("server.bind %q is not loopback; set allow_remote to expose the server", c.Server.Bind)
	}
	switch c.Logs.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logs.level %q unknown", c.Logs.Level)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// DefaultRoot is the transcript tree the assistant CLI writes.
func DefaultRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude")
}
