// Package config loads rift settings from a TOML file with RIFT_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	DefaultConfigPath   = "~/.config/rift/config.toml"
	DefaultDBPath       = "~/.local/share/rift/rift.db"
	DefaultLegacyPath   = "~/.config/rift/legacy.toml"
	DefaultListenAddr   = "127.0.0.1:7488"
	DefaultSessionID    = "default"
	DefaultDebounce     = 500 * time.Millisecond
	DefaultEchoWindow   = 2 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultLogLevel     = "info"
	DefaultSchemaDef    = "#Character"
)

// Config is the resolved runtime configuration.
type Config struct {
	DBPath       string        `env:"DB_PATH"`
	SessionID    string        `env:"SESSION_ID"`
	Actor        string        `env:"ACTOR"`
	RelayURL     string        `env:"RELAY_URL"`
	ListenAddr   string        `env:"LISTEN_ADDR"`
	LegacyPath   string        `env:"LEGACY_PATH"`
	Debounce     time.Duration `env:"DEBOUNCE"`
	EchoWindow   time.Duration `env:"ECHO_WINDOW"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT"`
	LogLevel     string        `env:"LOG_LEVEL"`
	SchemaPath   string        `env:"SCHEMA_PATH"`
	SchemaDef    string        `env:"SCHEMA_DEF"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		DBPath:       mustExpand(DefaultDBPath),
		SessionID:    DefaultSessionID,
		ListenAddr:   DefaultListenAddr,
		LegacyPath:   mustExpand(DefaultLegacyPath),
		Debounce:     DefaultDebounce,
		EchoWindow:   DefaultEchoWindow,
		WriteTimeout: DefaultWriteTimeout,
		LogLevel:     DefaultLogLevel,
		SchemaDef:    DefaultSchemaDef,
	}
}

type rawConfig struct {
	DBPath       string `toml:"db_path"`
	SessionID    string `toml:"session_id"`
	Actor        string `toml:"actor"`
	RelayURL     string `toml:"relay_url"`
	ListenAddr   string `toml:"listen_addr"`
	LegacyPath   string `toml:"legacy_path"`
	Debounce     string `toml:"debounce"`
	EchoWindow   string `toml:"echo_window"`
	WriteTimeout string `toml:"write_timeout"`
	LogLevel     string `toml:"log_level"`
	SchemaPath   string `toml:"schema_path"`
	SchemaDef    string `toml:"schema_def"`
}

// Load reads the TOML file at path (DefaultConfigPath when empty), applies
// RIFT_* environment overrides and validates the result. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads the TOML file only.
func LoadFile(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	setString(&cfg.DBPath, raw.DBPath)
	setString(&cfg.SessionID, raw.SessionID)
	setString(&cfg.Actor, raw.Actor)
	setString(&cfg.RelayURL, raw.RelayURL)
	setString(&cfg.ListenAddr, raw.ListenAddr)
	setString(&cfg.LegacyPath, raw.LegacyPath)
	setString(&cfg.LogLevel, raw.LogLevel)
	setString(&cfg.SchemaPath, raw.SchemaPath)
	setString(&cfg.SchemaDef, raw.SchemaDef)

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"debounce", raw.Debounce, &cfg.Debounce},
		{"echo_window", raw.EchoWindow, &cfg.EchoWindow},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		value := strings.TrimSpace(d.value)
		if value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse config: %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	cfg.expandPaths()
	return cfg, nil
}

// ApplyEnv overrides fields from RIFT_* environment variables. Unset
// variables leave the field alone.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: "RIFT_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.RelayURL == "" && strings.TrimSpace(c.DBPath) == "" {
		return errors.New("config: db_path is required without relay_url")
	}
	if c.RelayURL != "" && !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("config: relay_url %q must use ws:// or wss://", c.RelayURL)
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("config: session_id must not be empty")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("config: debounce must be positive, got %s", c.Debounce)
	}
	if c.EchoWindow <= 0 {
		return fmt.Errorf("config: echo_window must be positive, got %s", c.EchoWindow)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: write_timeout must be positive, got %s", c.WriteTimeout)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured slog level, Info when unset or unknown.
func (c Config) Level() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// EnsureDirs creates the directories holding the database and legacy file.
func (c Config) EnsureDirs() error {
	for _, path := range []string{c.DBPath, c.LegacyPath} {
		if path == "" || (c.RelayURL != "" && path == c.DBPath) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log_level %q", s)
	}
}

func (c *Config) expandPaths() {
	for _, p := range []*string{&c.DBPath, &c.LegacyPath, &c.SchemaPath} {
		if strings.TrimSpace(*p) != "" {
			*p = mustExpand(*p)
		}
	}
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(DefaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
