package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
	"github.com/roach88/rift/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type relayFixture struct {
	backend *remote.Memory
	server  *Server
	http    *httptest.Server
	client  *Client
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	backend := remote.NewMemory(remote.WithMemoryClock(testutil.NewFakeClock(time.Time{})))
	server := NewServer(backend)
	srv := httptest.NewServer(server)

	client, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
		srv.Close()
		backend.Close()
	})
	return &relayFixture{backend: backend, server: server, http: srv, client: client}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type snapshots struct {
	mu    sync.Mutex
	items []remote.Snapshot
}

func (s *snapshots) add(snap remote.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, snap)
}

func (s *snapshots) get() []remote.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Snapshot(nil), s.items...)
}

func TestClient_CreateGetUpdate(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Create(ctx, "characters", "c1", doc.Document{
		"name": "Aria",
		"hp":   map[string]any{"current": float64(10), "max": float64(12)},
	}))

	require.NoError(t, f.client.Update(ctx, "characters", "c1", map[string]any{
		"hp.current": float64(7),
		"name":       remote.Delete,
		"updatedAt":  remote.ServerTimestamp,
	}))

	snap, err := f.client.Get(ctx, "characters", "c1")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, doc.Document{
		"hp":        map[string]any{"current": float64(7), "max": float64(12)},
		"updatedAt": "2024-01-01T00:00:00Z",
	}, snap.Data)

	// The backend sees the same document.
	direct, err := f.backend.Get(ctx, "characters", "c1")
	require.NoError(t, err)
	assert.Equal(t, snap.Data, direct.Data)
}

func TestClient_GetMissing(t *testing.T) {
	f := newRelayFixture(t)

	snap, err := f.client.Get(context.Background(), "characters", "nope")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestClient_UpdateMissingIsNotFound(t *testing.T) {
	f := newRelayFixture(t)

	err := f.client.Update(context.Background(), "characters", "nope", map[string]any{"hp": float64(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrNotFound))

	var relayErr *Error
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, CodeNotFound, relayErr.Code)
}

func TestClient_Delete(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Create(ctx, "characters", "c1", doc.Document{"name": "Aria"}))
	require.NoError(t, f.client.Delete(ctx, "characters", "c1"))

	snap, err := f.backend.Get(ctx, "characters", "c1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestClient_WatchDocumentOrder(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	require.NoError(t, f.backend.Create(ctx, "characters", "c1", doc.Document{"hp": float64(0)}))

	var got snapshots
	unsub, err := f.client.WatchDocument(ctx, "characters", "c1", got.add)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, f.backend.Update(ctx, "characters", "c1", map[string]any{"hp": float64(i)}))
	}

	require.Eventually(t, func() bool { return len(got.get()) == 6 }, waitFor, tick)
	for i, snap := range got.get() {
		assert.Equal(t, float64(i), snap.Data["hp"], "notification %d", i)
	}

	unsub()
	unsub()
	require.NoError(t, f.backend.Update(ctx, "characters", "c1", map[string]any{"hp": float64(99)}))
	// A round trip after the update guarantees any stray push has arrived.
	_, err = f.client.Get(ctx, "characters", "c1")
	require.NoError(t, err)
	assert.Len(t, got.get(), 6)
}

func TestClient_WatchCollection(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	collection := remote.CharactersCollection("R1")

	require.NoError(t, f.backend.Create(ctx, collection, "a", doc.Document{"name": "A"}))

	var (
		mu    sync.Mutex
		batch []remote.CollectionSnapshot
	)
	unsub, err := f.client.WatchCollection(ctx, collection, func(snap remote.CollectionSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		batch = append(batch, snap)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, f.backend.Create(ctx, collection, "b", doc.Document{"name": "B"}))
	require.NoError(t, f.backend.Delete(ctx, collection, "a"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batch) == 3
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batch[0].Changes, 1)
	assert.Equal(t, remote.ChangeAdded, batch[0].Changes[0].Type)
	assert.Equal(t, "a", batch[0].Changes[0].Doc.ID)
	assert.Equal(t, remote.ChangeAdded, batch[1].Changes[0].Type)
	assert.Equal(t, "b", batch[1].Changes[0].Doc.ID)
	assert.Equal(t, remote.ChangeRemoved, batch[2].Changes[0].Type)
	assert.Equal(t, "a", batch[2].Changes[0].Doc.ID)
	require.Len(t, batch[2].Docs, 1)
	assert.Equal(t, "b", batch[2].Docs[0].ID)
}

func TestServer_RejectsBadRequests(t *testing.T) {
	f := newRelayFixture(t)

	_, err := f.client.call(context.Background(), Frame{Op: "explode"})
	var relayErr *Error
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, CodeBadRequest, relayErr.Code)

	_, err = f.client.call(context.Background(), Frame{Op: OpGet})
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, CodeBadRequest, relayErr.Code)
}

func TestServer_DuplicateSubscription(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	frame := Frame{Op: OpWatchDoc, Collection: "characters", Doc: "c1", Sub: "fixed"}
	_, err := f.client.call(ctx, frame)
	require.NoError(t, err)

	_, err = f.client.call(ctx, frame)
	var relayErr *Error
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, CodeBadRequest, relayErr.Code)
}

func TestServer_MalformedFrameIgnored(t *testing.T) {
	f := newRelayFixture(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(Frame{ID: 1, Op: OpGet, Collection: "characters", Doc: "x"}))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, uint64(1), reply.ID)
	assert.Equal(t, OpResult, reply.Op)
	assert.Empty(t, reply.Error)
}

func TestClient_CallsFailAfterServerClose(t *testing.T) {
	f := newRelayFixture(t)

	require.NoError(t, f.server.Close())
	select {
	case <-f.client.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not notice the server closing")
	}

	_, err := f.client.Get(context.Background(), "characters", "c1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBridgeOverRelay(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	collection := remote.CharactersCollection("R1")

	require.NoError(t, f.backend.Create(ctx, collection, "c1", doc.Document{"name": "Aria", "hp": float64(10)}))

	st := state.New()
	bridge := link.New(st, f.client, link.WithDebounce(10*time.Millisecond))
	require.NoError(t, bridge.Watch(ctx, "c1", "R1"))
	defer bridge.Disconnect(ctx)

	require.Eventually(t, func() bool {
		return st.Get("characters.c1.hp") == float64(10)
	}, waitFor, tick)

	// Remote change flows into local state.
	require.NoError(t, f.backend.Update(ctx, collection, "c1", map[string]any{"hp": float64(4)}))
	require.Eventually(t, func() bool {
		return st.Get("characters.c1.hp") == float64(4)
	}, waitFor, tick)

	// Direct write flows out through the relay.
	require.NoError(t, bridge.Write(ctx, "c1", "name", "Bo"))
	snap, err := f.backend.Get(ctx, collection, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Bo", snap.Data["name"])
	assert.NotEmpty(t, snap.Data[link.FieldUpdatedAt])
}
