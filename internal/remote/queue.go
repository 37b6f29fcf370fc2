package remote

import (
	"log/slog"
	"sync"
)

// delivery is one queued notification for a listener.
type delivery struct {
	doc        *Snapshot
	collection *CollectionSnapshot
}

// deliveryQueue is an unbounded FIFO drained by a single listener goroutine.
//
// Unbounded so a writer never blocks on a slow listener. The signal channel
// (buffer 1) coalesces wake-ups; closing it wakes the drain loop for exit.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	signal chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		items:  make([]delivery, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends d. Returns false once the queue is closed.
func (q *deliveryQueue) enqueue(d delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, d)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front item without blocking.
func (q *deliveryQueue) tryDequeue() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	// Clear the slot so the backing array does not pin delivered snapshots.
	q.items[0] = delivery{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return d, true
}

// close drops pending items and wakes the drain loop. Returns the number of
// items dropped.
func (q *deliveryQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	dropped := len(q.items)
	q.closed = true
	q.items = nil
	close(q.signal)
	return dropped
}

// drain invokes fn for each item until the queue is closed.
func (q *deliveryQueue) drain(fn func(delivery)) {
	for {
		if d, ok := q.tryDequeue(); ok {
			fn(d)
			continue
		}
		if _, open := <-q.signal; !open {
			return
		}
	}
}

// runListener drains q into fn, recovering listener panics. after, when set,
// runs once each delivery has returned.
func runListener(q *deliveryQueue, logger *slog.Logger, key string, fn func(delivery), after func()) {
	q.drain(func(d delivery) {
		if after != nil {
			defer after()
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Error("listener panicked", "key", key, "panic", r)
			}
		}()
		fn(d)
	})
}

// Mailbox delivers notifications to one callback in posting order on a
// dedicated goroutine. Transports that receive notifications on a shared
// read loop use it so a slow or re-entrant callback cannot stall the loop.
type Mailbox struct {
	queue *deliveryQueue
}

// NewDocumentMailbox starts a mailbox delivering to fn.
func NewDocumentMailbox(key string, logger *slog.Logger, fn func(Snapshot)) *Mailbox {
	return newMailbox(key, logger, func(d delivery) {
		if d.doc != nil {
			fn(*d.doc)
		}
	})
}

// NewCollectionMailbox starts a mailbox delivering to fn.
func NewCollectionMailbox(key string, logger *slog.Logger, fn func(CollectionSnapshot)) *Mailbox {
	return newMailbox(key, logger, func(d delivery) {
		if d.collection != nil {
			fn(*d.collection)
		}
	})
}

func newMailbox(key string, logger *slog.Logger, fn func(delivery)) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mailbox{queue: newDeliveryQueue()}
	go runListener(m.queue, logger, key, fn, nil)
	return m
}

// PostDocument queues a document notification. Returns false once closed.
func (m *Mailbox) PostDocument(s Snapshot) bool {
	return m.queue.enqueue(delivery{doc: &s})
}

// PostCollection queues a collection notification. Returns false once closed.
func (m *Mailbox) PostCollection(c CollectionSnapshot) bool {
	return m.queue.enqueue(delivery{collection: &c})
}

// Close drops undelivered notifications and stops the goroutine.
func (m *Mailbox) Close() {
	m.queue.close()
}
