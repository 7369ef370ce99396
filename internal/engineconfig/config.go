// Package engineconfig loads the daemon's local TOML defaults file
// (SPEC_FULL.md §3, §4.12): poll interval, HTTP client timeout and retry
// setting, and log level/format. It is never per-vault — one file covers
// every project the daemon serves.
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

const appName = "nexusmap"

// FileName is the config file's name inside DefaultConfigDir.
const FileName = "config.toml"

// Poll holds the watcher/poller supervisor's poll settings.
type Poll struct {
	IntervalMS int `toml:"interval_ms"`
}

// HTTP holds the remote API client's settings. TimeoutSeconds sets the
// client's request timeout. MaxRetries is loaded and range-checked but not
// read by the remote API client, whose transport retry count is fixed.
type HTTP struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
	MaxRetries     int `toml:"max_retries"`
}

// Log holds the daemon's logging settings.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Index controls the derived SQLite event index (SPEC_FULL.md §4.15). It is
// strictly optional: disabling it only narrows sync_read_events to its
// plain-tail behavior, never affecting correctness.
type Index struct {
	Enabled bool `toml:"enabled"`
}

// Realtime controls the Supabase Realtime nudge listener (SPEC_FULL.md
// §4.14). Like Index, it is a pure optimization.
type Realtime struct {
	Enabled bool `toml:"enabled"`
}

// Config is the decoded, validated contents of config.toml.
type Config struct {
	Poll     Poll     `toml:"poll"`
	HTTP     HTTP     `toml:"http"`
	Log      Log      `toml:"log"`
	Index    Index    `toml:"index"`
	Realtime Realtime `toml:"realtime"`
}

// Default returns the literal defaults: 5000ms poll interval (spec.md
// §4.9), 30s HTTP timeout, max_retries 5, info-level auto-format logging.
// Both optional subsystems default to enabled.
func Default() *Config {
	return &Config{
		Poll:     Poll{IntervalMS: 5000},
		HTTP:     HTTP{TimeoutSeconds: 30, MaxRetries: 5},
		Log:      Log{Level: "info", Format: "auto"},
		Index:    Index{Enabled: true},
		Realtime: Realtime{Enabled: true},
	}
}

// knownTopLevelKeys are the valid top-level TOML tables.
var knownTopLevelKeys = map[string]bool{"poll": true, "http": true, "log": true, "index": true, "realtime": true}

// knownKeysByTable are the valid keys within each known table.
var knownKeysByTable = map[string]map[string]bool{
	"poll":     {"interval_ms": true},
	"http":     {"timeout_seconds": true, "max_retries": true},
	"log":      {"level": true, "format": true},
	"index":    {"enabled": true},
	"realtime": {"enabled": true},
}

// Load reads and parses path, returning Default() if the file does not
// exist. Unknown keys are a fatal error (spec.md §3).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, fmt.Errorf("engineconfig: reading %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("engineconfig: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("engineconfig: %s: %w", path, err)
	}

	return cfg, nil
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and rejects
// the config file if any top-level table or key is unrecognized.
func checkUnknownKeys(md *toml.MetaData) error {
	for _, key := range md.Undecoded() {
		parts := key.String()

		table, field, hasField := splitOnce(parts)
		if !hasField {
			if !knownTopLevelKeys[table] {
				return fmt.Errorf("engineconfig: unknown config section %q", table)
			}

			continue
		}

		known, ok := knownKeysByTable[table]
		if !ok {
			return fmt.Errorf("engineconfig: unknown config section %q", table)
		}

		if !known[field] {
			return fmt.Errorf("engineconfig: unknown config key %q in [%s]", field, table)
		}
	}

	return nil
}

// splitOnce splits "table.field" into its two parts. hasField is false
// for a bare top-level key with no dot.
func splitOnce(key string) (table, field string, hasField bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], true
		}
	}

	return key, "", false
}

// validate enforces the range constraints from SPEC_FULL.md §4.12.
func validate(cfg *Config) error {
	if cfg.Poll.IntervalMS < 250 {
		return fmt.Errorf("poll.interval_ms must be >= 250, got %d", cfg.Poll.IntervalMS)
	}

	if cfg.HTTP.MaxRetries < 0 || cfg.HTTP.MaxRetries > 10 {
		return fmt.Errorf("http.max_retries must be in [0,10], got %d", cfg.HTTP.MaxRetries)
	}

	if cfg.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0, got %d", cfg.HTTP.TimeoutSeconds)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", cfg.Log.Level)
	}

	switch cfg.Log.Format {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("log.format must be one of auto|json|text, got %q", cfg.Log.Format)
	}

	return nil
}

// DefaultConfigDir returns the XDG-style config directory for nexusmap,
// respecting XDG_CONFIG_HOME on Linux.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the full default path to config.toml.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, FileName)
}
