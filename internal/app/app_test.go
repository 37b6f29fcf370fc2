package app

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rift/internal/config"
	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/ident"
	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/relay"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
	"github.com/roach88/rift/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "rift.db")
	cfg.LegacyPath = filepath.Join(dir, "legacy.toml")
	return cfg
}

func openMemoryApp(t *testing.T) (*App, *remote.Memory) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	mem := remote.NewMemory(remote.WithMemoryClock(clk))
	cfg := testConfig(t)
	cfg.LegacyPath = ""

	a, err := Open(context.Background(), cfg, WithRemote(mem), WithClock(clk), WithIDs(ident.NewFixed("actor-1")))
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close(context.Background())
		mem.Close()
	})
	return a, mem
}

func TestOpen_SQLiteHydratesSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := Open(ctx, cfg, WithIDs(ident.NewFixed("actor-1")))
	require.NoError(t, err)
	assert.Equal(t, "actor-1", a.Actor())
	assert.NotNil(t, a.Store())
	assert.NotNil(t, a.Bridge())

	a.Store().Set("preferences.dice", "3d6")
	a.Store().Set("presence.online", true)
	require.NoError(t, a.Close(ctx))

	reopened, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	assert.Equal(t, "3d6", reopened.Store().Get("preferences.dice"))
	assert.Nil(t, reopened.Store().Get("presence"), "presence is not persisted")
}

func TestOpen_ConfiguredActor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Actor = "gm"

	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())
	assert.Equal(t, "gm", a.Actor())
}

func TestOpen_MirrorsLegacyFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(ctx)

	a.Store().Set("theme", "dark")

	data, err := os.ReadFile(cfg.LegacyPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dark")
}

func TestOpen_BadSchema(t *testing.T) {
	cfg := testConfig(t)
	cfg.SchemaPath = filepath.Join(t.TempDir(), "missing.cue")

	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpen_SchemaValidatesWrites(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SchemaPath = filepath.Join(t.TempDir(), "schema.cue")
	require.NoError(t, os.WriteFile(cfg.SchemaPath, []byte(`#Character: { level?: int & <=20, ... }`), 0o644))

	clk := testutil.NewFakeClock(time.Time{})
	mem := remote.NewMemory(remote.WithMemoryClock(clk))
	defer mem.Close()
	require.NoError(t, mem.Create(ctx, remote.CharactersCollection("R1"), "c1", doc.Document{"level": float64(1)}))

	a, err := Open(ctx, cfg, WithRemote(mem), WithClock(clk))
	require.NoError(t, err)
	defer a.Close(ctx)

	require.NoError(t, a.Bridge().Watch(ctx, "c1", "R1"))
	require.Eventually(t, func() bool {
		return a.Store().Get("characters.c1.level") != nil
	}, waitFor, tick)

	err = a.Bridge().Write(ctx, "c1", "level", float64(30))
	require.Error(t, err)
	assert.True(t, link.IsValidationError(err))
}

func TestOpen_Relay(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	defer mem.Close()
	server := relay.NewServer(mem)
	srv := httptest.NewServer(server)
	defer srv.Close()
	defer server.Close()

	cfg := testConfig(t)
	cfg.RelayURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	a, err := Open(ctx, cfg)
	require.NoError(t, err)

	_, ok := a.Remote().(*relay.Client)
	assert.True(t, ok)

	require.NoError(t, a.Remote().Create(ctx, "characters", "c1", doc.Document{"name": "Aria"}))
	snap, err := mem.Get(ctx, "characters", "c1")
	require.NoError(t, err)
	assert.True(t, snap.Exists)

	require.NoError(t, a.Close(ctx))
}

func TestSwitchRoom_EmptyID(t *testing.T) {
	a, _ := openMemoryApp(t)
	assert.ErrorIs(t, a.SwitchRoom(context.Background(), ""), ErrNoRoom)
}

func TestSwitchRoom_ClearsScopedStateAndMirrorsRoom(t *testing.T) {
	ctx := context.Background()
	a, mem := openMemoryApp(t)
	st := a.Store()

	require.NoError(t, mem.Create(ctx, remote.RoomsCollection, "R2", doc.Document{"name": "The Keep"}))

	st.Set("party.leader", "c1")
	st.Set("presence.c1", true)
	st.Set("user.name", "sam")

	var cleared []string
	st.On(state.ClearedEvent(state.NamespaceParty), func(ev state.Event) {
		cleared = append(cleared, ev.Name)
	})

	require.NoError(t, a.SwitchRoom(ctx, "R2"))
	assert.Equal(t, "R2", a.RoomID())
	assert.Equal(t, []string{"party:cleared"}, cleared)
	assert.Nil(t, st.Get("party"))
	assert.Nil(t, st.Get("presence"))
	assert.Equal(t, "sam", st.Get("user.name"), "user is not room-scoped")
	assert.Equal(t, "R2", st.Get("room.code"))

	require.Eventually(t, func() bool {
		return st.Get("room.name") == "The Keep"
	}, waitFor, tick)
	assert.Equal(t, "R2", st.Get("room.code"))

	// Later room document changes keep flowing in.
	require.NoError(t, mem.Update(ctx, remote.RoomsCollection, "R2", map[string]any{"name": "The Tower"}))
	require.Eventually(t, func() bool {
		return st.Get("room.name") == "The Tower"
	}, waitFor, tick)
}

func TestSwitchRoom_StopsPreviousRoomListener(t *testing.T) {
	ctx := context.Background()
	a, mem := openMemoryApp(t)
	st := a.Store()

	require.NoError(t, mem.Create(ctx, remote.RoomsCollection, "R1", doc.Document{"name": "One"}))
	require.NoError(t, a.SwitchRoom(ctx, "R1"))
	require.Eventually(t, func() bool { return st.Get("room.name") == "One" }, waitFor, tick)

	require.NoError(t, a.SwitchRoom(ctx, "R2"))
	require.NoError(t, mem.Update(ctx, remote.RoomsCollection, "R1", map[string]any{"name": "Changed"}))

	// R2 has no document; the room namespace only ever holds R2's code.
	require.Eventually(t, func() bool {
		room, _ := st.Get("room").(map[string]any)
		return room["code"] == "R2"
	}, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, st.Get("room.name"))
}

func TestSwitchRoom_RewatchesCollection(t *testing.T) {
	ctx := context.Background()
	a, mem := openMemoryApp(t)
	st := a.Store()

	require.NoError(t, mem.Create(ctx, remote.CharactersCollection("R1"), "a", doc.Document{"name": "A"}))
	require.NoError(t, mem.Create(ctx, remote.CharactersCollection("R2"), "b", doc.Document{"name": "B"}))

	require.NoError(t, a.SwitchRoom(ctx, "R1"))
	require.NoError(t, a.Bridge().WatchCollection(ctx, "R1"))
	require.Eventually(t, func() bool { return st.Get("characters.a.name") == "A" }, waitFor, tick)

	require.NoError(t, a.SwitchRoom(ctx, "R2"))
	status := a.Bridge().Status()
	assert.Equal(t, link.ModeCollection, status.Mode)
	assert.Equal(t, "R2", status.RoomID)

	require.Eventually(t, func() bool { return st.Get("characters.b.name") == "B" }, waitFor, tick)
	assert.Nil(t, st.Get("characters.a"))
}

func TestSwitchRoom_FlushesPendingEditsToOldRoom(t *testing.T) {
	ctx := context.Background()
	a, mem := openMemoryApp(t)
	st := a.Store()

	collection := remote.CharactersCollection("R1")
	require.NoError(t, mem.Create(ctx, collection, "c1", doc.Document{"hp": float64(10)}))
	require.NoError(t, a.SwitchRoom(ctx, "R1"))
	require.NoError(t, a.Bridge().Watch(ctx, "c1", "R1"))
	require.Eventually(t, func() bool { return st.Get("characters.c1.hp") == float64(10) }, waitFor, tick)

	st.Set("characters.c1.hp", float64(3))
	require.NoError(t, a.SwitchRoom(ctx, "R2"))

	snap, err := mem.Get(ctx, collection, "c1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), snap.Data["hp"])

	status := a.Bridge().Status()
	assert.Equal(t, link.ModeSingle, status.Mode)
	assert.Equal(t, "R2", status.RoomID)
	assert.Equal(t, []string{"c1"}, status.Tracked)
}
