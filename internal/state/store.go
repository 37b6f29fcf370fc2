package state

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/rift/internal/doc"
)

// Namespace names used across rift.
const (
	NamespaceUser        = "user"
	NamespaceCharacter   = "character"
	NamespaceRoom        = "room"
	NamespaceSession     = "session"
	NamespaceParty       = "party"
	NamespaceTheme       = "theme"
	NamespacePreferences = "preferences"
	NamespaceCharacters  = "characters"
	NamespacePresence    = "presence"
)

// DefaultPersisted lists the namespaces that survive a restart.
var DefaultPersisted = []string{
	NamespaceUser,
	NamespaceCharacter,
	NamespaceRoom,
	NamespaceSession,
	NamespaceParty,
	NamespaceTheme,
	NamespacePreferences,
}

// RoomScoped lists the namespaces cleared when the active room changes.
var RoomScoped = []string{
	NamespaceRoom,
	NamespaceParty,
	NamespaceCharacters,
	NamespacePresence,
}

// Global event names.
const (
	EventCleared  = "cleared"
	EventHydrated = "hydrated"
)

// ClearedEvent returns the event name emitted when namespace is cleared.
func ClearedEvent(namespace string) string {
	return namespace + ":cleared"
}

// Store is the reactive state store.
type Store struct {
	mu   sync.RWMutex
	tree map[string]any

	// persistMu orders snapshot capture with the writes to persister and
	// legacy sink, so the last save always carries the latest tree.
	persistMu sync.Mutex
	persister Persister
	legacy    LegacySink
	persisted map[string]bool

	bus    *bus
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersister sets where allow-listed namespaces are saved.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLegacySink sets the legacy compatibility sink.
func WithLegacySink(l LegacySink) Option {
	return func(s *Store) {
		s.legacy = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithPersistedNamespaces replaces the persisted allow-list.
func WithPersistedNamespaces(namespaces ...string) Option {
	return func(s *Store) {
		s.persisted = toSet(namespaces)
	}
}

// New creates an empty store. Call Hydrate to load persisted state.
func New(opts ...Option) *Store {
	s := &Store{
		tree:      make(map[string]any),
		persisted: toSet(DefaultPersisted),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = newBus(s.logger)
	return s
}

// SetOption tags a write.
type SetOption func(*setConfig)

type setConfig struct {
	origin Origin
}

// WithOrigin marks where a change came from. Defaults to OriginLocal.
func WithOrigin(o Origin) SetOption {
	return func(c *setConfig) {
		c.origin = o
	}
}

func newSetConfig(opts []SetOption) setConfig {
	cfg := setConfig{origin: OriginLocal}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Get returns a copy of the value at path, the whole tree for "", or nil when
// any segment is missing.
func (s *Store) Get(path string) any {
	v, _ := s.Lookup(path)
	return v
}

// Lookup is Get that also reports whether the path exists.
func (s *Store) Lookup(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path == "" {
		return doc.Clone(s.tree), true
	}
	parts, err := doc.SplitPath(path)
	if err != nil {
		return nil, false
	}
	v, ok := doc.GetPath(s.tree, parts)
	if !ok {
		return nil, false
	}
	return doc.Clone(v), true
}

// Set writes value at path, creating intermediate maps. It returns false,
// without persisting or emitting, when path is invalid or the existing value
// is deep-equal to value.
func (s *Store) Set(path string, value any, opts ...SetOption) bool {
	cfg := newSetConfig(opts)
	parts, err := doc.SplitPath(path)
	if err != nil || len(parts) == 0 {
		s.logger.Debug("set ignored: invalid path", "path", path)
		return false
	}

	stored := doc.Clone(value)

	s.mu.Lock()
	prev, existed := doc.GetPath(s.tree, parts)
	if existed && doc.Equal(prev, stored) {
		s.mu.Unlock()
		return false
	}
	doc.SetPath(s.tree, parts, stored)
	s.mu.Unlock()

	s.written(path, parts, stored, prev, cfg)
	return true
}

// CompareAndSet writes value at path only while the current value is
// deep-equal to old. A missing path matches a nil old. It reports whether the
// comparison held; as with Set, an unchanged value is not persisted or
// emitted.
func (s *Store) CompareAndSet(path string, old, value any, opts ...SetOption) bool {
	cfg := newSetConfig(opts)
	parts, err := doc.SplitPath(path)
	if err != nil || len(parts) == 0 {
		return false
	}

	stored := doc.Clone(value)

	s.mu.Lock()
	prev, existed := doc.GetPath(s.tree, parts)
	if !doc.Equal(prev, old) {
		s.mu.Unlock()
		return false
	}
	if existed && doc.Equal(prev, stored) {
		s.mu.Unlock()
		return true
	}
	doc.SetPath(s.tree, parts, stored)
	s.mu.Unlock()

	s.written(path, parts, stored, prev, cfg)
	return true
}

// written persists and emits a completed write.
func (s *Store) written(path string, parts []string, stored, prev any, cfg setConfig) {
	ns := parts[0]
	s.afterWrite(ns)

	ev := Event{
		Path:      path,
		Namespace: ns,
		Value:     doc.Clone(stored),
		Previous:  prev,
		Origin:    cfg.origin,
	}
	s.Emit(ns, ev)
	if len(parts) > 1 {
		s.Emit(path, ev)
	}
}

// Delete removes the value at path. It emits like Set, with a nil Value, and
// returns false when nothing was there.
func (s *Store) Delete(path string, opts ...SetOption) bool {
	cfg := newSetConfig(opts)
	parts, err := doc.SplitPath(path)
	if err != nil || len(parts) == 0 {
		return false
	}

	s.mu.Lock()
	prev, existed := doc.GetPath(s.tree, parts)
	if !existed {
		s.mu.Unlock()
		return false
	}
	if len(parts) == 1 {
		delete(s.tree, parts[0])
	} else {
		doc.DeletePath(s.tree, parts)
	}
	s.mu.Unlock()

	ns := parts[0]
	s.afterWrite(ns)

	ev := Event{Path: path, Namespace: ns, Previous: prev, Origin: cfg.origin}
	s.Emit(ns, ev)
	if len(parts) > 1 {
		s.Emit(path, ev)
	}
	return true
}

// Merge shallow-merges partial into the map at namespace, replacing the value
// when it is not a map. An empty partial, or one that changes nothing, is a
// no-op.
func (s *Store) Merge(namespace string, partial map[string]any, opts ...SetOption) bool {
	cfg := newSetConfig(opts)
	if len(partial) == 0 || namespace == "" {
		return false
	}

	s.mu.Lock()
	prev, existed := s.tree[namespace]
	next := make(map[string]any, len(partial))
	if cur, ok := prev.(map[string]any); ok {
		for k, v := range cur {
			next[k] = v
		}
	}
	for k, v := range partial {
		next[k] = doc.Clone(v)
	}
	if existed && doc.Equal(prev, next) {
		s.mu.Unlock()
		return false
	}
	s.tree[namespace] = next
	s.mu.Unlock()

	s.afterWrite(namespace)
	s.Emit(namespace, Event{
		Path:      namespace,
		Namespace: namespace,
		Value:     doc.Clone(next),
		Previous:  prev,
		Origin:    cfg.origin,
	})
	return true
}

// Clear removes one namespace, or the whole tree for "", and re-persists.
func (s *Store) Clear(namespace string, opts ...SetOption) {
	cfg := newSetConfig(opts)

	s.mu.Lock()
	var prev any
	if namespace == "" {
		prev = s.tree
		s.tree = make(map[string]any)
	} else {
		prev = s.tree[namespace]
		delete(s.tree, namespace)
	}
	s.mu.Unlock()

	if namespace == "" {
		s.persist()
		s.Emit(EventCleared, Event{Previous: prev, Origin: cfg.origin})
		return
	}
	s.afterWrite(namespace)
	s.Emit(ClearedEvent(namespace), Event{
		Path:      namespace,
		Namespace: namespace,
		Previous:  prev,
		Origin:    cfg.origin,
	})
}

// On subscribes handler to event.
func (s *Store) On(event string, handler Handler) Subscription {
	return s.bus.on(event, handler, false)
}

// Once subscribes handler for a single delivery of event.
func (s *Store) Once(event string, handler Handler) Subscription {
	return s.bus.on(event, handler, true)
}

// Off cancels a subscription. Cancelling twice is a no-op.
func (s *Store) Off(sub Subscription) {
	sub.Cancel()
}

// Emit delivers ev to every handler of event, in subscription order.
// ev.Name is set to event.
func (s *Store) Emit(event string, ev Event) {
	ev.Name = event
	s.bus.emit(ev)
}

// Hydrate loads the persisted snapshot, then fills gaps from the legacy sink.
// Unreadable snapshots are treated as empty.
func (s *Store) Hydrate(ctx context.Context) {
	var loaded map[string]any
	if s.persister != nil {
		data, err := s.persister.Load(ctx)
		if err != nil {
			s.logger.Debug("snapshot unreadable, starting empty", "error", err)
		} else {
			loaded = data
		}
	}

	var legacy map[string]any
	if s.legacy != nil {
		data, err := s.legacy.Load(ctx)
		if err != nil {
			s.logger.Debug("legacy state unreadable", "error", err)
		} else {
			legacy = data
		}
	}

	s.mu.Lock()
	for ns, v := range loaded {
		if s.persisted[ns] {
			s.tree[ns] = doc.Clone(v)
		}
	}
	fillGaps(s.tree, legacy, nil)
	s.mu.Unlock()

	s.Emit(EventHydrated, Event{Value: s.Get(""), Origin: OriginLocal})
}

// fillGaps copies leaves of src into dst wherever dst has no value.
func fillGaps(dst, src map[string]any, prefix []string) {
	for k, v := range src {
		path := append(slices.Clone(prefix), k)
		if sub, ok := v.(map[string]any); ok {
			if _, exists := doc.GetPath(dst, path); !exists {
				doc.SetPath(dst, path, doc.Clone(sub))
				continue
			}
			if cur, _ := doc.GetPath(dst, path); isMap(cur) {
				fillGaps(dst, sub, path)
			}
			continue
		}
		if _, exists := doc.GetPath(dst, path); !exists {
			doc.SetPath(dst, path, doc.Clone(v))
		}
	}
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// afterWrite persists and mirrors after a change to namespace.
func (s *Store) afterWrite(namespace string) {
	if s.persisted[namespace] {
		s.persist()
	}
	if s.legacy != nil && slices.Contains(LegacyNamespaces, namespace) {
		s.mirror(namespace)
	}
}

func (s *Store) persist() {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	snapshot := make(map[string]any, len(s.persisted))
	for ns := range s.persisted {
		if v, ok := s.tree[ns]; ok {
			snapshot[ns] = doc.Clone(v)
		}
	}
	s.mu.RUnlock()

	if err := s.persister.Save(context.Background(), snapshot); err != nil {
		s.logger.Debug("persist snapshot failed", "error", err)
	}
}

func (s *Store) mirror(namespace string) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	value := s.Get(namespace)
	if err := s.legacy.Mirror(context.Background(), namespace, value); err != nil {
		s.logger.Debug("legacy mirror failed", "namespace", namespace, "error", err)
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
