package remote

import (
	"context"
	"log/slog"
	"sync"
)

// Hub tracks listeners for one backend and fans committed changes out to
// them. Backends call the Publish methods while holding their own write lock
// so queue order equals commit order.
type Hub struct {
	mu          sync.Mutex
	nextID      uint64
	docs        map[string]map[uint64]*listener // key: collection + "/" + id
	collections map[string]map[uint64]*listener // key: collection
	logger      *slog.Logger

	// inflight counts queued or running deliveries; idle is closed while it
	// is zero.
	flightMu sync.Mutex
	inflight int
	idle     chan struct{}
}

type listener struct {
	id    uint64
	queue *deliveryQueue
}

// NewHub creates an empty hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Hub{
		docs:        make(map[string]map[uint64]*listener),
		collections: make(map[string]map[uint64]*listener),
		logger:      logger,
		idle:        idle,
	}
}

// WaitIdle blocks until every queued notification has been delivered and
// its callback has returned, or ctx ends.
func (h *Hub) WaitIdle(ctx context.Context) error {
	for {
		h.flightMu.Lock()
		if h.inflight == 0 {
			h.flightMu.Unlock()
			return nil
		}
		idle := h.idle
		h.flightMu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Hub) begin() {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()
	if h.inflight == 0 {
		h.idle = make(chan struct{})
	}
	h.inflight++
}

func (h *Hub) end(n int) {
	if n == 0 {
		return
	}
	h.flightMu.Lock()
	defer h.flightMu.Unlock()
	h.inflight -= n
	if h.inflight == 0 {
		close(h.idle)
	}
}

// enqueue queues d for l and counts it as in flight.
func (h *Hub) enqueue(l *listener, d delivery) {
	h.begin()
	if !l.queue.enqueue(d) {
		h.end(1)
	}
}

// closeQueue closes l's queue and releases the deliveries it dropped.
func (h *Hub) closeQueue(l *listener) {
	h.end(l.queue.close())
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

// AddDocument registers fn and queues initial as its first notification.
// Callers must hold the lock that serializes their Publish calls so no
// change can be queued ahead of initial.
func (h *Hub) AddDocument(collection, id string, initial Snapshot, fn func(Snapshot)) Unsubscribe {
	key := docKey(collection, id)
	l := h.add(h.docs, key, func(d delivery) {
		if d.doc != nil {
			fn(*d.doc)
		}
	})
	h.enqueue(l, delivery{doc: &initial})
	return h.remover(h.docs, key, l)
}

// AddCollection registers fn and queues initial as its first notification.
func (h *Hub) AddCollection(collection string, initial CollectionSnapshot, fn func(CollectionSnapshot)) Unsubscribe {
	l := h.add(h.collections, collection, func(d delivery) {
		if d.collection != nil {
			fn(*d.collection)
		}
	})
	h.enqueue(l, delivery{collection: &initial})
	return h.remover(h.collections, collection, l)
}

// WatchingCollection reports whether any collection listener exists for
// collection, so backends can skip building collection snapshots.
func (h *Hub) WatchingCollection(collection string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.collections[collection]) > 0
}

// PublishDocument queues snap for every listener on that document.
func (h *Hub) PublishDocument(collection string, snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.docs[docKey(collection, snap.ID)] {
		s := cloneSnapshot(snap)
		h.enqueue(l, delivery{doc: &s})
	}
}

// PublishCollection queues snap for every listener on the collection.
func (h *Hub) PublishCollection(collection string, snap CollectionSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.collections[collection] {
		s := cloneCollection(snap)
		h.enqueue(l, delivery{collection: &s})
	}
}

// Close cancels every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, group := range []map[string]map[uint64]*listener{h.docs, h.collections} {
		for key, ls := range group {
			for _, l := range ls {
				h.closeQueue(l)
			}
			delete(group, key)
		}
	}
}

func (h *Hub) add(group map[string]map[uint64]*listener, key string, fn func(delivery)) *listener {
	h.mu.Lock()
	h.nextID++
	l := &listener{id: h.nextID, queue: newDeliveryQueue()}
	if group[key] == nil {
		group[key] = make(map[uint64]*listener)
	}
	group[key][l.id] = l
	h.mu.Unlock()

	go runListener(l.queue, h.logger, key, fn, func() { h.end(1) })
	return l
}

func (h *Hub) remover(group map[string]map[uint64]*listener, key string, l *listener) Unsubscribe {
	return func() {
		h.mu.Lock()
		if ls := group[key]; ls != nil {
			delete(ls, l.id)
			if len(ls) == 0 {
				delete(group, key)
			}
		}
		h.mu.Unlock()
		h.closeQueue(l)
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	return Snapshot{ID: s.ID, Data: s.Data.Clone(), Exists: s.Exists}
}

func cloneCollection(c CollectionSnapshot) CollectionSnapshot {
	out := CollectionSnapshot{
		Docs:    make([]Snapshot, len(c.Docs)),
		Changes: make([]Change, len(c.Changes)),
	}
	for i, d := range c.Docs {
		out.Docs[i] = cloneSnapshot(d)
	}
	for i, ch := range c.Changes {
		out.Changes[i] = Change{Type: ch.Type, Doc: cloneSnapshot(ch.Doc)}
	}
	return out
}

// Publish notifies document and collection listeners of one committed change
// from before to after. docs lists the collection contents after the change
// and is only called when a collection listener exists.
func (h *Hub) Publish(collection string, before, after Snapshot, docs func() []Snapshot) {
	var change ChangeType
	switch {
	case !before.Exists && after.Exists:
		change = ChangeAdded
	case before.Exists && after.Exists:
		change = ChangeModified
	case before.Exists && !after.Exists:
		change = ChangeRemoved
	default:
		return
	}

	h.PublishDocument(collection, after)
	if !h.WatchingCollection(collection) {
		return
	}
	delta := after
	if change == ChangeRemoved {
		delta = Snapshot{ID: after.ID, Data: before.Data, Exists: false}
	}
	h.PublishCollection(collection, CollectionSnapshot{
		Docs:    docs(),
		Changes: []Change{{Type: change, Doc: delta}},
	})
}

// InitialCollection builds the first notification for a new collection
// listener: every document reported as added.
func InitialCollection(docs []Snapshot) CollectionSnapshot {
	changes := make([]Change, len(docs))
	for i, d := range docs {
		changes[i] = Change{Type: ChangeAdded, Doc: d}
	}
	return CollectionSnapshot{Docs: docs, Changes: changes}
}
