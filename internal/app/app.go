// Package app wires configuration, backends, the state store and the sync
// bridge into one owned unit.
//
// ARCHITECTURE:
//
//	config.Config
//	    │
//	    ├── remote backend: relay.Client (relay_url) or store.Store (db_path)
//	    ├── persister:      store.SessionStore, or in-memory with a custom backend
//	    ├── legacy sink:    state.TOMLSink (legacy_path)
//	    └── validator:      schema.Validator (schema_path)
//	            │
//	    state.Store ──► link.Bridge
//
// App also owns the active room: SwitchRoom clears room-scoped state, mirrors
// the room document into the "room" namespace and moves the bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/rift/internal/clock"
	"github.com/roach88/rift/internal/config"
	"github.com/roach88/rift/internal/ident"
	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/relay"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/schema"
	"github.com/roach88/rift/internal/state"
	"github.com/roach88/rift/internal/store"
)

// ErrNoRoom is returned by SwitchRoom for an empty room id.
var ErrNoRoom = errors.New("room id is empty")

// App owns the state store, the bridge and the backend they run on.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	actor  string

	db     *store.Store
	client *relay.Client
	remote remote.Store
	state  *state.Store
	bridge *link.Bridge

	mu        sync.Mutex
	roomID    string
	roomEpoch uint64
	roomUnsub remote.Unsubscribe
}

// Option configures Open.
type Option func(*options)

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	remote    remote.Store
	persister state.Persister
	ids       ident.Generator
}

// WithClock sets the clock for the bridge and the SQLite backend.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRemote uses rs instead of a configured backend. The caller keeps
// ownership of rs.
func WithRemote(rs remote.Store) Option {
	return func(o *options) {
		o.remote = rs
	}
}

// WithPersister overrides where session state is saved.
func WithPersister(p state.Persister) Option {
	return func(o *options) {
		o.persister = p
	}
}

// WithIDs sets the generator for the actor id when none is configured.
func WithIDs(g ident.Generator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// Open builds an App from cfg and hydrates the state store.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{
		clock:  clock.Real{},
		logger: slog.Default(),
		ids:    ident.UUIDv7{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: o.logger, actor: cfg.Actor}
	if a.actor == "" {
		a.actor = o.ids.Generate()
	}

	switch {
	case o.remote != nil:
		a.remote = o.remote
	case cfg.RelayURL != "":
		client, err := relay.Dial(ctx, cfg.RelayURL, relay.WithClientLogger(o.logger))
		if err != nil {
			return nil, fmt.Errorf("open app: %w", err)
		}
		a.client = client
		a.remote = client
	default:
		if err := cfg.EnsureDirs(); err != nil {
			return nil, fmt.Errorf("open app: %w", err)
		}
		db, err := store.Open(cfg.DBPath, store.WithClock(o.clock), store.WithLogger(o.logger))
		if err != nil {
			return nil, fmt.Errorf("open app: %w", err)
		}
		a.db = db
		a.remote = db
	}

	persister := o.persister
	if persister == nil {
		if a.db != nil {
			persister = a.db.Session(cfg.SessionID)
		} else {
			persister = state.NewMemoryPersister()
		}
	}

	stateOpts := []state.Option{
		state.WithPersister(persister),
		state.WithLogger(o.logger),
	}
	if cfg.LegacyPath != "" {
		stateOpts = append(stateOpts, state.WithLegacySink(state.NewTOMLSink(cfg.LegacyPath)))
	}
	a.state = state.New(stateOpts...)

	bridgeOpts := []link.Option{
		link.WithClock(o.clock),
		link.WithActor(a.actor),
		link.WithLogger(o.logger),
	}
	if cfg.Debounce > 0 {
		bridgeOpts = append(bridgeOpts, link.WithDebounce(cfg.Debounce))
	}
	if cfg.EchoWindow > 0 {
		bridgeOpts = append(bridgeOpts, link.WithEchoWindow(cfg.EchoWindow))
	}
	if cfg.WriteTimeout > 0 {
		bridgeOpts = append(bridgeOpts, link.WithWriteTimeout(cfg.WriteTimeout))
	}
	if cfg.SchemaPath != "" {
		v, err := schema.Load(cfg.SchemaPath, cfg.SchemaDef)
		if err != nil {
			a.closeBackend()
			return nil, fmt.Errorf("open app: %w", err)
		}
		bridgeOpts = append(bridgeOpts, link.WithValidator(v))
	}
	a.bridge = link.New(a.state, a.remote, bridgeOpts...)

	a.state.Hydrate(ctx)
	if code, ok := a.state.Get(state.NamespaceRoom + ".code").(string); ok {
		a.roomID = code
	}

	a.logger.Debug("app opened", "actor", a.actor, "session_id", cfg.SessionID, "room_id", a.roomID)
	return a, nil
}

// Store returns the reactive state store.
func (a *App) Store() *state.Store {
	return a.state
}

// Bridge returns the sync bridge.
func (a *App) Bridge() *link.Bridge {
	return a.bridge
}

// Remote returns the backend the bridge writes to.
func (a *App) Remote() remote.Store {
	return a.remote
}

// Actor returns the id stamped into lastModifiedBy.
func (a *App) Actor() string {
	return a.actor
}

// Config returns the configuration the app was opened with.
func (a *App) Config() config.Config {
	return a.cfg
}

// RoomID returns the active room, or "" when none.
func (a *App) RoomID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roomID
}

// SwitchRoom makes roomID the active room.
//
// The bridge is flushed and detached first so pending edits land in the old
// room. Room-scoped namespaces are then cleared, room.code is written and the
// room document is mirrored into the "room" namespace. A bridge that was
// watching re-attaches to the same entity or collection in the new room.
func (a *App) SwitchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrNoRoom
	}

	status := a.bridge.Status()
	var errs []error
	if err := a.bridge.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave room %s: %w", status.RoomID, err))
	}

	a.mu.Lock()
	a.roomEpoch++
	epoch := a.roomEpoch
	prevUnsub := a.roomUnsub
	a.roomUnsub = nil
	a.roomID = roomID
	a.mu.Unlock()
	if prevUnsub != nil {
		prevUnsub()
	}

	for _, ns := range state.RoomScoped {
		a.state.Clear(ns)
	}
	a.state.Set(state.NamespaceRoom+".code", roomID)

	unsub, err := a.remote.WatchDocument(ctx, remote.RoomsCollection, roomID, func(snap remote.Snapshot) {
		a.applyRoom(epoch, roomID, snap)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("watch room %s: %w", roomID, err))
	} else {
		a.mu.Lock()
		if a.roomEpoch == epoch {
			a.roomUnsub = unsub
			unsub = nil
		}
		a.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}

	switch status.Mode {
	case link.ModeCollection:
		if err := a.bridge.WatchCollection(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	case link.ModeSingle:
		for _, id := range status.Tracked {
			if err := a.bridge.Watch(ctx, id, roomID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	a.logger.Info("switched room", "room_id", roomID, "previous_room_id", status.RoomID, "mode", status.Mode)
	return errors.Join(errs...)
}

// applyRoom mirrors the room document into the room namespace.
func (a *App) applyRoom(epoch uint64, roomID string, snap remote.Snapshot) {
	a.mu.Lock()
	current := a.roomEpoch == epoch
	a.mu.Unlock()
	if !current {
		return
	}

	data := snap.Data.Clone()
	if data == nil {
		data = map[string]any{}
	}
	data["code"] = roomID
	a.state.Set(state.NamespaceRoom, map[string]any(data), state.WithOrigin(state.OriginRemote))
}

// Close flushes the bridge, stops the room listener and closes the backend
// the app opened.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.bridge.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}

	a.mu.Lock()
	a.roomEpoch++
	unsub := a.roomUnsub
	a.roomUnsub = nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	if err := a.closeBackend(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeBackend() error {
	switch {
	case a.client != nil:
		return a.client.Close()
	case a.db != nil:
		return a.db.Close()
	}
	return nil
}
