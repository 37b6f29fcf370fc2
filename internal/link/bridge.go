package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/rift/internal/clock"
	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
)

// Defaults for bridge timing.
const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
)

// Bookkeeping fields written with every outbound update.
const (
	FieldUpdatedAt      = "updatedAt"
	FieldLastModifiedBy = "lastModifiedBy"
)

var bookkeeping = []string{FieldUpdatedAt, FieldLastModifiedBy}

// Events emitted on the state bus.
const (
	EventEntityUpdated = "entity:updated"
	EventEntityRemoved = "entity:removed"
)

// EntityEvent is the Value of entity events.
type EntityEvent struct {
	EntityID string       `json:"entity_id"`
	Fields   []string     `json:"fields,omitempty"`
	Origin   state.Origin `json:"origin"`
	Data     doc.Document `json:"data,omitempty"`
}

// Mode is the bridge's watch mode.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeSingle     Mode = "single"
	ModeCollection Mode = "collection"
)

// Status describes what the bridge is doing. Pending lists entities with
// local edits not yet confirmed by a completed write: a staged snapshot or a
// write in flight.
type Status struct {
	Mode    Mode     `json:"mode"`
	RoomID  string   `json:"room_id,omitempty"`
	Tracked []string `json:"tracked"`
	Pending []string `json:"pending"`
}

// Validator checks an entity document before it is written.
type Validator interface {
	Validate(entityID string, data doc.Document) error
}

// TransformFunc computes a new value from an entity's current value at a
// path. current is nil when the path is missing.
type TransformFunc func(entityID string, current any) (any, error)

// WriteAllResult counts the writes made by WriteAll.
type WriteAllResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
}

// Bridge keeps tracked entities consistent between a state.Store and a
// remote.Store.
type Bridge struct {
	st           *state.Store
	rs           remote.Store
	clock        clock.Clock
	guard        *EchoGuard
	debounce     time.Duration
	echoWindow   time.Duration
	writeTimeout time.Duration
	actor        string
	validator    Validator
	logger       *slog.Logger

	mu         sync.Mutex
	mode       Mode
	roomID     string
	collection string
	writers    map[string]*entityWriter
	unsubs     []remote.Unsubscribe
	stateSub   state.Subscription
	// epoch changes on every connect and disconnect. Notifications and
	// timers from an older epoch are dropped.
	epoch uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock sets the clock for debounce timers and the echo guard.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) {
		b.clock = c
	}
}

// WithDebounce sets the outbound debounce window.
//
// Default: 500ms (DefaultDebounce)
func WithDebounce(d time.Duration) Option {
	return func(b *Bridge) {
		b.debounce = d
	}
}

// WithEchoWindow sets how long written fields stay suppressed.
//
// Default: 2s (DefaultEchoWindow)
func WithEchoWindow(d time.Duration) Option {
	return func(b *Bridge) {
		b.echoWindow = d
	}
}

// WithActor sets the lastModifiedBy value.
func WithActor(actor string) Option {
	return func(b *Bridge) {
		b.actor = actor
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithValidator checks every outbound entity document.
func WithValidator(v Validator) Option {
	return func(b *Bridge) {
		b.validator = v
	}
}

// WithWriteTimeout bounds debounced flushes, which have no caller context.
//
// Default: 10s (DefaultWriteTimeout)
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.writeTimeout = d
	}
}

// New creates a disconnected bridge.
func New(st *state.Store, rs remote.Store, opts ...Option) *Bridge {
	b := &Bridge{
		st:           st,
		rs:           rs,
		clock:        clock.Real{},
		debounce:     DefaultDebounce,
		echoWindow:   DefaultEchoWindow,
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
		mode:         ModeNone,
		writers:      make(map[string]*entityWriter),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.guard = NewEchoGuard(b.clock, b.echoWindow)
	return b
}

// Guard exposes the echo guard for inspection.
func (b *Bridge) Guard() *EchoGuard {
	return b.guard
}

// EntityPath returns the state path of a tracked entity.
func EntityPath(entityID string) string {
	return state.NamespaceCharacters + "." + entityID
}

func validEntityID(id string) bool {
	return id != "" && !strings.Contains(id, ".") && !strings.Contains(id, "/")
}

// Watch tracks a single entity, tearing down any previous watch.
func (b *Bridge) Watch(ctx context.Context, entityID, roomID string) error {
	if !validEntityID(entityID) {
		return fmt.Errorf("watch %q: %w", entityID, ErrInvalidPath)
	}
	if err := b.Disconnect(ctx); err != nil {
		b.logger.Warn("final flush before watch failed", "error", err)
	}

	collection := remote.CharactersCollection(roomID)
	epoch := b.connect(ModeSingle, roomID, collection)
	b.mu.Lock()
	b.writers[entityID] = newEntityWriter(entityID)
	b.mu.Unlock()

	unsub, err := b.rs.WatchDocument(ctx, collection, entityID, func(snap remote.Snapshot) {
		b.handleDocument(epoch, snap)
	})
	if err != nil {
		_ = b.Disconnect(ctx)
		return fmt.Errorf("watch %s/%s: %w", collection, entityID, err)
	}
	b.keep(epoch, unsub)

	b.logger.Debug("watching entity", "entity_id", entityID, "room_id", roomID)
	return nil
}

// WatchCollection tracks every entity in a room, tearing down any previous
// watch.
func (b *Bridge) WatchCollection(ctx context.Context, roomID string) error {
	if err := b.Disconnect(ctx); err != nil {
		b.logger.Warn("final flush before watch failed", "error", err)
	}

	collection := remote.CharactersCollection(roomID)
	epoch := b.connect(ModeCollection, roomID, collection)

	unsub, err := b.rs.WatchCollection(ctx, collection, func(snap remote.CollectionSnapshot) {
		b.handleCollection(epoch, snap)
	})
	if err != nil {
		_ = b.Disconnect(ctx)
		return fmt.Errorf("watch %s: %w", collection, err)
	}
	b.keep(epoch, unsub)

	b.logger.Debug("watching collection", "room_id", roomID)
	return nil
}

// connect switches to mode and subscribes to local changes.
func (b *Bridge) connect(mode Mode, roomID, collection string) uint64 {
	sub := b.st.On(state.NamespaceCharacters, b.onLocalChange)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
	b.mode = mode
	b.roomID = roomID
	b.collection = collection
	b.writers = make(map[string]*entityWriter)
	b.stateSub = sub
	return b.epoch
}

// keep records unsub, or runs it when the bridge moved on meanwhile.
func (b *Bridge) keep(epoch uint64, unsub remote.Unsubscribe) {
	b.mu.Lock()
	if b.epoch == epoch {
		b.unsubs = append(b.unsubs, unsub)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	unsub()
}

// Disconnect cancels all listeners, makes a best-effort final flush of every
// entity with a pending snapshot and clears tracking. Flush failures are
// logged and returned joined.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.mode == ModeNone {
		b.mu.Unlock()
		return nil
	}
	b.epoch++
	unsubs := b.unsubs
	sub := b.stateSub
	collection := b.collection
	type final struct {
		id         string
		snapshot   doc.Document
		lastRemote doc.Document
	}
	var finals []final
	for _, id := range sortedKeys(b.writers) {
		w := b.writers[id]
		w.stopTimer()
		if w.pending != nil {
			finals = append(finals, final{id: id, snapshot: w.pending, lastRemote: w.lastRemote.Clone()})
		}
	}
	b.mode = ModeNone
	b.roomID = ""
	b.collection = ""
	b.writers = make(map[string]*entityWriter)
	b.unsubs = nil
	b.stateSub = state.Subscription{}
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	sub.Cancel()

	var errs []error
	for _, f := range finals {
		if err := b.send(ctx, collection, f.id, f.snapshot, f.lastRemote); err != nil {
			b.logger.Error("final flush failed", "entity_id", f.id, "error", err)
			errs = append(errs, err)
		}
	}
	b.guard.Clear()
	return errors.Join(errs...)
}

// Status reports the mode, room and tracked entities.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Mode:    b.mode,
		RoomID:  b.roomID,
		Tracked: sortedKeys(b.writers),
		Pending: []string{},
	}
	for _, id := range st.Tracked {
		if b.writers[id].unsent() {
			st.Pending = append(st.Pending, id)
		}
	}
	return st
}

// Flush sends entityID's pending snapshot now instead of waiting for the
// debounce timer.
func (b *Bridge) Flush(ctx context.Context, entityID string) error {
	return b.flush(ctx, entityID, 0, false)
}

// ---- inbound ----

func (b *Bridge) handleDocument(epoch uint64, snap remote.Snapshot) {
	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		return
	}
	w := b.writers[snap.ID]
	if w == nil {
		b.mu.Unlock()
		return
	}
	if !snap.Exists {
		existed := w.lastRemote != nil
		if existed {
			w.drop()
		}
		b.mu.Unlock()
		if existed {
			b.guard.Forget(snap.ID)
			b.st.Delete(EntityPath(snap.ID), state.WithOrigin(state.OriginRemote))
			b.emitRemoved(snap.ID)
		}
		return
	}
	b.mu.Unlock()

	b.applyRemote(epoch, snap.ID, snap.Data)
}

func (b *Bridge) handleCollection(epoch uint64, snap remote.CollectionSnapshot) {
	changes := snap.Changes
	if len(changes) == 0 && len(snap.Docs) > 0 {
		changes = b.reconcile(snap.Docs)
	}

	for _, ch := range changes {
		id := ch.Doc.ID
		if !validEntityID(id) {
			b.logger.Warn("ignoring document with unusable id", "entity_id", id)
			continue
		}

		b.mu.Lock()
		if b.epoch != epoch {
			b.mu.Unlock()
			return
		}
		w := b.writers[id]

		if ch.Type == remote.ChangeRemoved || !ch.Doc.Exists {
			if w != nil {
				w.stopTimer()
				delete(b.writers, id)
			}
			b.mu.Unlock()
			if w == nil {
				continue
			}
			b.guard.Forget(id)
			b.st.Delete(EntityPath(id), state.WithOrigin(state.OriginRemote))
			b.emitRemoved(id)
			continue
		}

		if w == nil {
			b.writers[id] = newEntityWriter(id)
		}
		b.mu.Unlock()

		b.applyRemote(epoch, id, ch.Doc.Data)
	}
}

// reconcile derives deltas from a full listing for backends that do not
// report them.
func (b *Bridge) reconcile(docs []remote.Snapshot) []remote.Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []remote.Change
	present := make(map[string]bool, len(docs))
	for _, d := range docs {
		present[d.ID] = true
		typ := remote.ChangeModified
		if b.writers[d.ID] == nil {
			typ = remote.ChangeAdded
		}
		out = append(out, remote.Change{Type: typ, Doc: d})
	}
	for _, id := range sortedKeys(b.writers) {
		if !present[id] {
			out = append(out, remote.Change{Type: remote.ChangeRemoved, Doc: remote.Snapshot{ID: id}})
		}
	}
	return out
}

// dirtyFields lists top-level fields with unsent local edits.
// Caller must hold Bridge.mu.
func (w *entityWriter) dirtyFields() []string {
	if w.pending == nil {
		return nil
	}
	return doc.ChangedFields(w.pending.Without(bookkeeping...), w.lastRemote.Without(bookkeeping...))
}

// localEdits returns the top-level fields of local that must not be replaced
// by remote data: staged edits, and edits already in the tree that the bridge
// has not staged yet. Caller must hold Bridge.mu.
func (w *entityWriter) localEdits(local doc.Document) map[string]bool {
	out := make(map[string]bool)
	for _, f := range w.dirtyFields() {
		out[f] = true
	}
	if w.base != nil && local != nil {
		for _, f := range doc.ChangedFields(local.Without(bookkeeping...), w.base.Without(bookkeeping...)) {
			out[f] = true
		}
	}
	return out
}

// applyRemote merges remote data into the state tree and records it as the
// latest remote snapshot. Fields with local edits or a live echo guard entry
// keep their local value. The merge is recomputed when the tree changes
// between the read and the write.
func (b *Bridge) applyRemote(epoch uint64, id string, data doc.Document) {
	path := EntityPath(id)
	for {
		raw, _ := b.st.Lookup(path)
		local, _ := doc.From(raw)

		b.mu.Lock()
		w := b.writers[id]
		if b.epoch != epoch || w == nil {
			b.mu.Unlock()
			return
		}
		keepLocal := w.localEdits(local)
		b.mu.Unlock()

		changed := doc.Diff(data.Without(bookkeeping...), local.Without(bookkeeping...))
		changedTop := doc.TopLevelFields(changed)

		guarded := b.guard.Guarded(id)
		var echoed []string
		for _, f := range changedTop {
			if !keepLocal[f] && slices.Contains(guarded, f) {
				keepLocal[f] = true
				echoed = append(echoed, f)
			}
		}

		var genuine []string
		for _, p := range changed {
			if !keepLocal[doc.TopLevel(p)] {
				genuine = append(genuine, p)
			}
		}

		next := local
		if len(genuine) > 0 {
			next = data.Clone()
			for f := range keepLocal {
				if v, ok := local[f]; ok {
					next[f] = doc.Clone(v)
				} else {
					delete(next, f)
				}
			}
			if !b.st.CompareAndSet(path, raw, next.Map(), state.WithOrigin(state.OriginRemote)) {
				continue
			}
		}

		for _, f := range echoed {
			b.guard.Consume(id, f)
		}
		// An unchanged guarded field means its echo has arrived.
		for _, f := range data.Keys() {
			if !slices.Contains(changedTop, f) {
				b.guard.Consume(id, f)
			}
		}

		if !b.settle(epoch, id, data, local, next, genuine) || len(genuine) == 0 {
			return
		}

		b.logger.Debug("applied remote change", "entity_id", id, "fields", genuine)
		b.st.Emit(EventEntityUpdated, state.Event{
			Path:      path,
			Namespace: state.NamespaceCharacters,
			Value: EntityEvent{
				EntityID: id,
				Fields:   genuine,
				Origin:   state.OriginRemote,
				Data:     next.Clone(),
			},
			Origin: state.OriginRemote,
		})
		return
	}
}

// settle records data as the latest remote snapshot after an apply that
// turned local into next. Pending fields that still hold the value replaced
// by the apply take the remote value, so the next flush does not send stale
// values back. It returns false when the bridge moved on meanwhile.
func (b *Bridge) settle(epoch uint64, id string, data, local, next doc.Document, genuine []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.writers[id]
	if b.epoch != epoch || w == nil {
		return false
	}
	w.lastRemote = data.Clone()
	w.base = next.Clone()
	if w.pending == nil {
		return true
	}
	for _, f := range doc.TopLevelFields(genuine) {
		pv, inPending := w.pending[f]
		lv, inLocal := local[f]
		if inPending != inLocal || !doc.Equal(pv, lv) {
			continue
		}
		if v, ok := next[f]; ok {
			w.pending[f] = doc.Clone(v)
		} else {
			delete(w.pending, f)
		}
	}
	return true
}

func (b *Bridge) emitRemoved(id string) {
	b.logger.Debug("remote entity removed", "entity_id", id)
	b.st.Emit(EventEntityRemoved, state.Event{
		Path:      EntityPath(id),
		Namespace: state.NamespaceCharacters,
		Value:     EntityEvent{EntityID: id, Origin: state.OriginRemote},
		Origin:    state.OriginRemote,
	})
}

// ---- outbound ----

// onLocalChange captures local edits to tracked entities.
func (b *Bridge) onLocalChange(ev state.Event) {
	if ev.Origin != state.OriginLocal {
		return
	}
	parts, err := doc.SplitPath(ev.Path)
	if err != nil || len(parts) == 0 {
		return
	}

	var ids []string
	if len(parts) >= 2 {
		ids = []string{parts[1]}
	} else {
		b.mu.Lock()
		ids = sortedKeys(b.writers)
		b.mu.Unlock()
	}

	for _, id := range ids {
		data, ok := doc.From(b.st.Get(EntityPath(id)))
		if !ok {
			b.logger.Debug("local entity not an object, not staged", "entity_id", id)
			continue
		}
		b.stage(id, data)
	}
}

// stage replaces id's pending snapshot and restarts its debounce timer.
func (b *Bridge) stage(id string, data doc.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.writers[id]
	if w == nil {
		return
	}
	inSync := w.lastRemote != nil && w.state != stateFlushing &&
		len(doc.ChangedFields(data.Without(bookkeeping...), w.lastRemote.Without(bookkeeping...))) == 0
	if inSync {
		// Back in sync with the remote; drop anything pending.
		w.stopTimer()
		w.pending = nil
		w.base = data.Clone()
		w.state = stateIdle
		return
	}
	if w.stage(data) {
		b.armLocked(w)
	}
}

// armLocked starts the debounce timer. Caller must hold b.mu.
func (b *Bridge) armLocked(w *entityWriter) {
	id, gen, epoch := w.id, w.gen, b.epoch
	w.arm(b.clock.AfterFunc(b.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
		defer cancel()
		if err := b.flushTimer(ctx, id, gen, epoch); err != nil {
			b.logger.Error("debounced flush failed", "entity_id", id, "error", err)
		}
	}))
}

func (b *Bridge) flushTimer(ctx context.Context, id string, gen, epoch uint64) error {
	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.flush(ctx, id, gen, true)
}

// flush sends the pending snapshot of id. When fromTimer is set, only the
// timer of generation gen may trigger it.
func (b *Bridge) flush(ctx context.Context, id string, gen uint64, fromTimer bool) error {
	b.mu.Lock()
	w := b.writers[id]
	if w == nil || (fromTimer && w.gen != gen) {
		b.mu.Unlock()
		return nil
	}
	snapshot, ok := w.take()
	if !ok {
		b.mu.Unlock()
		return nil
	}
	lastRemote := w.lastRemote.Clone()
	collection := b.collection
	b.mu.Unlock()

	err := b.send(ctx, collection, id, snapshot, lastRemote)

	b.mu.Lock()
	if b.writers[id] == w && w.finish() {
		b.armLocked(w)
	}
	b.mu.Unlock()
	return err
}

// send writes the top-level fields of snapshot that differ from lastRemote.
func (b *Bridge) send(ctx context.Context, collection, id string, snapshot, lastRemote doc.Document) error {
	fields := doc.ChangedFields(snapshot.Without(bookkeeping...), lastRemote.Without(bookkeeping...))
	if len(fields) == 0 {
		return nil
	}
	if err := b.validate(id, fields, snapshot); err != nil {
		return err
	}

	update := make(map[string]any, len(fields)+len(bookkeeping))
	for _, f := range fields {
		if v, ok := snapshot[f]; ok {
			update[f] = doc.Clone(v)
		} else {
			update[f] = remote.Delete
		}
	}
	b.guard.Register(id, fields...)
	return b.commit(ctx, collection, id, fields, update, snapshot)
}

// commit sends update with bookkeeping, creating the document from full when
// it does not exist yet.
func (b *Bridge) commit(ctx context.Context, collection, id string, fields []string, update map[string]any, full doc.Document) error {
	update[FieldUpdatedAt] = remote.ServerTimestamp
	update[FieldLastModifiedBy] = b.actor

	err := b.rs.Update(ctx, collection, id, update)
	if errors.Is(err, remote.ErrNotFound) {
		b.logger.Debug("document missing, creating", "entity_id", id)
		data := full.Clone()
		if data == nil {
			data = doc.Document{}
		}
		data[FieldUpdatedAt] = remote.ServerTimestamp
		data[FieldLastModifiedBy] = b.actor
		err = b.rs.Create(ctx, collection, id, data)
	}
	if err != nil {
		return &WriteError{Code: ErrCodeRemote, EntityID: id, Fields: fields, Err: err}
	}
	b.logger.Debug("wrote entity", "entity_id", id, "fields", fields)
	return nil
}

func (b *Bridge) validate(id string, fields []string, data doc.Document) error {
	if b.validator == nil {
		return nil
	}
	if err := b.validator.Validate(id, data); err != nil {
		return &WriteError{Code: ErrCodeValidation, EntityID: id, Fields: fields, Err: err}
	}
	return nil
}

// ---- direct writes ----

// Write sets one field path of a tracked entity immediately, bypassing the
// debounce window. The state tree is updated before the remote write returns.
func (b *Bridge) Write(ctx context.Context, entityID, fieldPath string, value any) error {
	return b.WriteBatch(ctx, entityID, map[string]any{fieldPath: value})
}

// WriteBatch sets several field paths of a tracked entity in one remote
// update.
func (b *Bridge) WriteBatch(ctx context.Context, entityID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	paths := make([]string, 0, len(fields))
	for p := range fields {
		parts, err := doc.SplitPath(p)
		if err != nil || len(parts) == 0 {
			return fmt.Errorf("write %s %q: %w", entityID, p, ErrInvalidPath)
		}
		paths = append(paths, p)
	}
	slices.Sort(paths)

	b.mu.Lock()
	if b.mode == ModeNone {
		b.mu.Unlock()
		return fmt.Errorf("write %s: %w", entityID, ErrNotConnected)
	}
	if b.writers[entityID] == nil {
		b.mu.Unlock()
		return fmt.Errorf("write %s: %w", entityID, ErrNotTracked)
	}
	collection := b.collection
	b.mu.Unlock()

	local, _ := doc.From(b.st.Get(EntityPath(entityID)))
	next := local.Clone()
	if next == nil {
		next = doc.Document{}
	}
	for _, p := range paths {
		applyField(next, p, fields[p])
	}
	if err := b.validate(entityID, paths, next); err != nil {
		return err
	}

	// Optimistic local update; origin direct keeps it out of the debouncer.
	b.st.Set(EntityPath(entityID), next.Map(), state.WithOrigin(state.OriginDirect))
	b.mu.Lock()
	if w := b.writers[entityID]; w != nil && w.pending != nil {
		for _, p := range paths {
			applyField(w.pending, p, fields[p])
		}
	}
	b.mu.Unlock()

	update := make(map[string]any, len(fields)+len(bookkeeping))
	for _, p := range paths {
		update[p] = doc.Clone(fields[p])
	}
	b.guard.Register(entityID, doc.TopLevelFields(paths)...)

	err := b.commit(ctx, collection, entityID, paths, update, next)
	if err != nil {
		b.logger.Error("direct write failed", "entity_id", entityID, "fields", paths, "error", err)
	}
	return err
}

// WriteAll applies fn to every tracked entity's value at fieldPath and
// writes each result that differs from the current value. Entities are
// processed in id order; failures do not stop the remaining writes and are
// returned joined.
func (b *Bridge) WriteAll(ctx context.Context, fieldPath string, fn TransformFunc) (WriteAllResult, error) {
	var result WriteAllResult
	if _, err := doc.SplitPath(fieldPath); err != nil || fieldPath == "" {
		return result, fmt.Errorf("write all %q: %w", fieldPath, ErrInvalidPath)
	}

	b.mu.Lock()
	if b.mode == ModeNone {
		b.mu.Unlock()
		return result, fmt.Errorf("write all: %w", ErrNotConnected)
	}
	ids := sortedKeys(b.writers)
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		current := b.st.Get(EntityPath(id) + "." + fieldPath)
		next, err := fn(id, current)
		if err != nil {
			result.Attempted++
			errs = append(errs, &WriteError{Code: ErrCodeTransform, EntityID: id, Fields: []string{fieldPath}, Err: err})
			continue
		}
		if doc.Equal(current, next) {
			continue
		}
		result.Attempted++
		if err := b.Write(ctx, id, fieldPath, next); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Succeeded++
	}

	b.logger.Debug("write all finished", "field", fieldPath, "attempted", result.Attempted, "succeeded", result.Succeeded)
	return result, errors.Join(errs...)
}

// applyField writes v at path in d. Delete removes the field; other
// sentinels only resolve remotely and leave d untouched.
func applyField(d doc.Document, path string, v any) {
	parts, err := doc.SplitPath(path)
	if err != nil || len(parts) == 0 {
		return
	}
	if fv, ok := v.(remote.FieldValue); ok {
		if fv == remote.Delete {
			doc.DeletePath(d, parts)
		}
		return
	}
	doc.SetPath(d, parts, doc.Clone(v))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
