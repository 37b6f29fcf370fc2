package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultDebounce, cfg.Debounce)
	assert.Equal(t, DefaultEchoWindow, cfg.EchoWindow)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, DefaultSessionID, cfg.SessionID)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultSchemaDef, cfg.SchemaDef)
	assert.True(t, filepath.IsAbs(cfg.DBPath))
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
db_path = "`+filepath.Join(dir, "rift.db")+`"
session_id = "table-7"
actor = "gm"
listen_addr = "0.0.0.0:9000"
debounce = "250ms"
echo_window = "5s"
write_timeout = "1m"
log_level = "debug"
schema_path = "`+filepath.Join(dir, "schema.cue")+`"
schema_def = "#Hero"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "rift.db"), cfg.DBPath)
	assert.Equal(t, "table-7", cfg.SessionID)
	assert.Equal(t, "gm", cfg.Actor)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 5*time.Second, cfg.EchoWindow)
	assert.Equal(t, time.Minute, cfg.WriteTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, filepath.Join(dir, "schema.cue"), cfg.SchemaPath)
	assert.Equal(t, "#Hero", cfg.SchemaDef)
}

func TestLoad_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, `db_path = "~/data/rift.db"`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "rift.db"), cfg.DBPath)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
actor = "from-file"
debounce = "250ms"
`)
	t.Setenv("RIFT_ACTOR", "from-env")
	t.Setenv("RIFT_DEBOUNCE", "1s")
	t.Setenv("RIFT_RELAY_URL", "ws://127.0.0.1:7488/")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Actor)
	assert.Equal(t, time.Second, cfg.Debounce)
	assert.Equal(t, "ws://127.0.0.1:7488/", cfg.RelayURL)
	// Untouched by env.
	assert.Equal(t, DefaultEchoWindow, cfg.EchoWindow)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad toml", `db_path = `},
		{"bad duration", `debounce = "soon"`},
		{"negative duration", `echo_window = "-1s"`},
		{"zero duration", `write_timeout = "0s"`},
		{"bad level", `log_level = "loud"`},
		{"bad relay scheme", `relay_url = "http://example.com"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("RIFT_DEBOUNCE", "later")
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	noDB := cfg
	noDB.DBPath = ""
	assert.Error(t, noDB.Validate())

	relayOnly := noDB
	relayOnly.RelayURL = "wss://relay.example.com/"
	assert.NoError(t, relayOnly.Validate())

	noSession := cfg
	noSession.SessionID = " "
	assert.Error(t, noSession.Validate())
}

func TestLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, Config{LogLevel: in}.Level(), in)
	}
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DBPath = filepath.Join(dir, "a", "rift.db")
	cfg.LegacyPath = filepath.Join(dir, "b", "legacy.toml")

	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, filepath.Join(dir, "a"))
	assert.DirExists(t, filepath.Join(dir, "b"))
}
