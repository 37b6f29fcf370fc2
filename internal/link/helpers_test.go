package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
	"github.com/roach88/rift/internal/testutil"
)

const testRoom = "R1"

var testCollection = remote.CharactersCollection(testRoom)

// manualRemote stores documents in a remote.Memory but hands listener
// delivery to the test, which pushes notifications synchronously.
type manualRemote struct {
	*remote.Memory

	mu      sync.Mutex
	docs    map[string]func(remote.Snapshot)
	colls   map[string]func(remote.CollectionSnapshot)
	block   chan struct{}
	entered chan struct{}
}

func newManualRemote(clk *testutil.FakeClock) *manualRemote {
	return &manualRemote{
		Memory: remote.NewMemory(remote.WithMemoryClock(clk)),
		docs:   make(map[string]func(remote.Snapshot)),
		colls:  make(map[string]func(remote.CollectionSnapshot)),
	}
}

func (m *manualRemote) WatchDocument(_ context.Context, collection, id string, fn func(remote.Snapshot)) (remote.Unsubscribe, error) {
	key := collection + "/" + id
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.docs, key)
	}, nil
}

func (m *manualRemote) WatchCollection(_ context.Context, collection string, fn func(remote.CollectionSnapshot)) (remote.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.colls[collection] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.colls, collection)
	}, nil
}

// Update optionally parks until unblock is called.
func (m *manualRemote) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	block, entered := m.block, m.entered
	m.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}
	return m.Memory.Update(ctx, collection, id, fields)
}

func (m *manualRemote) blockUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = make(chan struct{})
	m.entered = make(chan struct{})
}

func (m *manualRemote) unblock() {
	m.mu.Lock()
	block := m.block
	m.block, m.entered = nil, nil
	m.mu.Unlock()
	close(block)
}

func (m *manualRemote) docListener(collection, id string) func(remote.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[collection+"/"+id]
}

func (m *manualRemote) listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs) + len(m.colls)
}

// pushDoc delivers the current remote state of a document to its listener.
func (m *manualRemote) pushDoc(t *testing.T, collection, id string) {
	t.Helper()
	snap, err := m.Get(context.Background(), collection, id)
	require.NoError(t, err)
	m.pushSnapshot(t, collection, snap)
}

func (m *manualRemote) pushSnapshot(t *testing.T, collection string, snap remote.Snapshot) {
	t.Helper()
	fn := m.docListener(collection, snap.ID)
	require.NotNil(t, fn, "no listener for %s/%s", collection, snap.ID)
	fn(snap)
}

func (m *manualRemote) pushCollection(t *testing.T, collection string, snap remote.CollectionSnapshot) {
	t.Helper()
	m.mu.Lock()
	fn := m.colls[collection]
	m.mu.Unlock()
	require.NotNil(t, fn, "no listener for %s", collection)
	fn(snap)
}

// eventLog records entity events from the state bus.
type eventLog struct {
	mu     sync.Mutex
	events []state.Event
}

func recordEvents(st *state.Store, names ...string) *eventLog {
	l := &eventLog{}
	for _, name := range names {
		st.On(name, func(ev state.Event) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, ev)
		})
	}
	return l
}

func (l *eventLog) all() []state.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]state.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	clk    *testutil.FakeClock
	rs     *manualRemote
	st     *state.Store
	b      *Bridge
	events *eventLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	rs := newManualRemote(clk)
	st := state.New()
	b := New(st, rs, append([]Option{WithClock(clk), WithActor("actor-1")}, opts...)...)
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		clk:    clk,
		rs:     rs,
		st:     st,
		b:      b,
		events: recordEvents(st, EventEntityUpdated, EventEntityRemoved),
	}
}

// seed creates a remote document without recording the write.
func (f *fixture) seed(id string, data doc.Document) {
	f.t.Helper()
	require.NoError(f.t, f.rs.Memory.Create(f.ctx, testCollection, id, data))
	f.rs.ResetWrites()
}

// watch starts single-entity mode and delivers the initial snapshot.
func (f *fixture) watch(id string) {
	f.t.Helper()
	require.NoError(f.t, f.b.Watch(f.ctx, id, testRoom))
	f.rs.pushDoc(f.t, testCollection, id)
	f.events.reset()
}

// watchCollection starts collection mode and delivers every id as added.
func (f *fixture) watchCollection(ids ...string) {
	f.t.Helper()
	require.NoError(f.t, f.b.WatchCollection(f.ctx, testRoom))
	var changes []remote.Change
	for _, id := range ids {
		snap, err := f.rs.Get(f.ctx, testCollection, id)
		require.NoError(f.t, err)
		changes = append(changes, remote.Change{Type: remote.ChangeAdded, Doc: snap})
	}
	f.rs.pushCollection(f.t, testCollection, remote.CollectionSnapshot{Changes: changes})
	f.events.reset()
}

// externalUpdate changes a remote document as another client would.
func (f *fixture) externalUpdate(id string, fields map[string]any) {
	f.t.Helper()
	require.NoError(f.t, f.rs.Memory.Update(f.ctx, testCollection, id, fields))
	f.rs.ResetWrites()
}

func (f *fixture) updates() []remote.Write {
	var out []remote.Write
	for _, w := range f.rs.Writes() {
		if w.Op == remote.OpUpdate || w.Op == remote.OpCreate {
			out = append(out, w)
		}
	}
	return out
}

func entityEvent(t *testing.T, ev state.Event) EntityEvent {
	t.Helper()
	ee, ok := ev.Value.(EntityEvent)
	require.True(t, ok, "event value is %T", ev.Value)
	return ee
}

func msec(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// hookClock runs a hook on the first Now call after it is set, letting a test
// act in the middle of an operation that reads the clock.
type hookClock struct {
	*testutil.FakeClock

	mu   sync.Mutex
	hook func()
}

func (c *hookClock) once(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

func (c *hookClock) Now() time.Time {
	c.mu.Lock()
	hook := c.hook
	c.hook = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return c.FakeClock.Now()
}

// withHookClock rebuilds the fixture's bridge around a hookClock. Call it
// before watching.
func (f *fixture) withHookClock() *hookClock {
	hc := &hookClock{FakeClock: f.clk}
	f.b = New(f.st, f.rs, WithClock(hc), WithActor("actor-1"))
	return hc
}
