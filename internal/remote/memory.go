package remote

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/rift/internal/clock"
	"github.com/roach88/rift/internal/doc"
)

// Op names a write operation recorded by Memory.
type Op string

const (
	OpUpdate Op = "update"
	OpCreate Op = "create"
	OpDelete Op = "delete"
)

// Write is one write attempt recorded by Memory, successful or not.
// Fields hold the values as sent, with sentinels unresolved.
type Write struct {
	Op         Op
	Collection string
	ID         string
	Fields     map[string]any
	Err        error
}

// Memory is an in-process Store. It backs tests, the scenario harness and
// single-process demos, and records every write attempt for inspection.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]doc.Document
	hub         *Hub
	clock       clock.Clock
	writes      []Write
	fail        func(op Op, collection, id string) error
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	clock  clock.Clock
	logger *slog.Logger
}

// WithMemoryClock sets the clock used to resolve ServerTimestamp.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(cfg *memoryConfig) {
		cfg.clock = c
	}
}

// WithMemoryLogger sets the logger used for listener diagnostics.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(cfg *memoryConfig) {
		cfg.logger = l
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	cfg := memoryConfig{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Memory{
		collections: make(map[string]map[string]doc.Document),
		hub:         NewHub(cfg.logger),
		clock:       cfg.clock,
	}
}

// FailWith installs a hook consulted before every write. A non-nil error
// aborts the write and is returned to the caller. Pass nil to clear.
func (m *Memory) FailWith(fn func(op Op, collection, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Writes returns a copy of every recorded write attempt.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// ResetWrites clears the write log.
func (m *Memory) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

// Close cancels every listener.
func (m *Memory) Close() error {
	m.hub.Close()
	return nil
}

// WaitIdle blocks until every listener has received all notifications
// queued so far, or ctx ends.
func (m *Memory) WaitIdle(ctx context.Context) error {
	return m.hub.WaitIdle(ctx)
}

// Get reads a document.
func (m *Memory) Get(_ context.Context, collection, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(collection, id), nil
}

// WatchDocument registers fn for changes to one document.
func (m *Memory) WatchDocument(_ context.Context, collection, id string, fn func(Snapshot)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.AddDocument(collection, id, m.snapshotLocked(collection, id), fn), nil
}

// WatchCollection registers fn for changes to a collection.
func (m *Memory) WatchCollection(_ context.Context, collection string, fn func(CollectionSnapshot)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.AddCollection(collection, InitialCollection(m.listLocked(collection)), fn), nil
}

// Update writes dot-path fields of an existing document.
func (m *Memory) Update(_ context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.updateLocked(collection, id, fields)
	m.record(OpUpdate, collection, id, fields, err)
	return err
}

func (m *Memory) updateLocked(collection, id string, fields map[string]any) error {
	if err := m.checkFail(OpUpdate, collection, id); err != nil {
		return err
	}
	before := m.snapshotLocked(collection, id)
	if !before.Exists {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	next, err := ApplyUpdate(before.Data, fields, m.clock.Now())
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	m.putLocked(collection, id, next)
	m.publishLocked(collection, before, m.snapshotLocked(collection, id))
	return nil
}

// Create writes a complete document.
func (m *Memory) Create(_ context.Context, collection, id string, data doc.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.checkFail(OpCreate, collection, id)
	if err == nil {
		before := m.snapshotLocked(collection, id)
		m.putLocked(collection, id, ResolveDocument(data, m.clock.Now()))
		m.publishLocked(collection, before, m.snapshotLocked(collection, id))
	}
	m.record(OpCreate, collection, id, data, err)
	return err
}

// Delete removes a document.
func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.checkFail(OpDelete, collection, id)
	if err == nil {
		before := m.snapshotLocked(collection, id)
		if docs := m.collections[collection]; docs != nil {
			delete(docs, id)
		}
		m.publishLocked(collection, before, Snapshot{ID: id})
	}
	m.record(OpDelete, collection, id, nil, err)
	return err
}

func (m *Memory) checkFail(op Op, collection, id string) error {
	if m.fail == nil {
		return nil
	}
	return m.fail(op, collection, id)
}

func (m *Memory) record(op Op, collection, id string, fields map[string]any, err error) {
	var copied map[string]any
	if fields != nil {
		copied = doc.Document(fields).Clone().Map()
	}
	m.writes = append(m.writes, Write{Op: op, Collection: collection, ID: id, Fields: copied, Err: err})
}

func (m *Memory) putLocked(collection, id string, data doc.Document) {
	docs := m.collections[collection]
	if docs == nil {
		docs = make(map[string]doc.Document)
		m.collections[collection] = docs
	}
	docs[id] = data
}

func (m *Memory) snapshotLocked(collection, id string) Snapshot {
	data, ok := m.collections[collection][id]
	if !ok {
		return Snapshot{ID: id}
	}
	return Snapshot{ID: id, Data: data.Clone(), Exists: true}
}

func (m *Memory) listLocked(collection string) []Snapshot {
	docs := m.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Snapshot, len(ids))
	for i, id := range ids {
		out[i] = Snapshot{ID: id, Data: docs[id].Clone(), Exists: true}
	}
	return out
}

func (m *Memory) publishLocked(collection string, before, after Snapshot) {
	m.hub.Publish(collection, before, after, func() []Snapshot {
		return m.listLocked(collection)
	})
}
