package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// LegacyNamespaces are mirrored to the legacy sink after every change.
var LegacyNamespaces = []string{NamespaceUser, NamespaceRoom, NamespaceTheme}

// LegacySink mirrors a few well-known values to long-lived flat storage
// read by older tooling, and supplies them on hydrate.
type LegacySink interface {
	// Load returns the legacy values shaped as a partial state tree.
	Load(ctx context.Context) (map[string]any, error)
	// Mirror records the current value of namespace. A nil value removes it.
	Mirror(ctx context.Context, namespace string, value any) error
}

// legacyFile is the on-disk layout of the legacy TOML file.
type legacyFile struct {
	User     map[string]any `toml:"user,omitempty"`
	RoomCode string         `toml:"room_code,omitempty"`
	Theme    string         `toml:"theme,omitempty"`
}

// TOMLSink stores legacy keys in a flat TOML file:
//
//	room_code = "R1"
//	theme = "dark"
//
//	[user]
//	name = "ada"
//
// Only room.code is taken from the room namespace, and only string themes
// are kept.
type TOMLSink struct {
	mu   sync.Mutex
	path string
}

var _ LegacySink = (*TOMLSink)(nil)

// NewTOMLSink creates a sink writing to path. A leading "~" is expanded.
func NewTOMLSink(path string) *TOMLSink {
	return &TOMLSink{path: path}
}

// Load reads the file. A missing file yields an empty result.
func (t *TOMLSink) Load(context.Context) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if len(f.User) > 0 {
		out[NamespaceUser] = f.User
	}
	if f.RoomCode != "" {
		out[NamespaceRoom] = map[string]any{"code": f.RoomCode}
	}
	if f.Theme != "" {
		out[NamespaceTheme] = f.Theme
	}
	return out, nil
}

// Mirror updates one key and rewrites the file.
func (t *TOMLSink) Mirror(_ context.Context, namespace string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.read()
	if err != nil {
		// Unreadable legacy data is overwritten.
		f = legacyFile{}
	}

	switch namespace {
	case NamespaceUser:
		user, _ := value.(map[string]any)
		f.User = user
	case NamespaceRoom:
		f.RoomCode = ""
		if room, ok := value.(map[string]any); ok {
			if code, ok := room["code"].(string); ok {
				f.RoomCode = code
			}
		}
	case NamespaceTheme:
		theme, _ := value.(string)
		f.Theme = theme
	default:
		return nil
	}
	return t.write(f)
}

func (t *TOMLSink) read() (legacyFile, error) {
	var f legacyFile
	resolved, err := expandPath(t.path)
	if err != nil {
		return f, err
	}
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return f, fmt.Errorf("read legacy state: %w", err)
	}
	if err := toml.Unmarshal(bytes, &f); err != nil {
		return legacyFile{}, fmt.Errorf("parse legacy state: %w", err)
	}
	return f, nil
}

func (t *TOMLSink) write(f legacyFile) error {
	resolved, err := expandPath(t.path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create legacy dir: %w", err)
	}
	bytes, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal legacy state: %w", err)
	}
	tmp := resolved + ".tmp"
	if err := os.WriteFile(tmp, bytes, 0o644); err != nil {
		return fmt.Errorf("write legacy state: %w", err)
	}
	if err := os.Rename(tmp, resolved); err != nil {
		return fmt.Errorf("replace legacy state: %w", err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("legacy path is empty")
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
