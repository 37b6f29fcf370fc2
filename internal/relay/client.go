package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/ident"
	"github.com/roach88/rift/internal/remote"
)

// ErrClosed is returned for calls on a client whose connection has ended.
var ErrClosed = errors.New("relay connection closed")

// Client is a remote.Store backed by a relay server.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	ids    ident.Generator

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Frame
	docs    map[string]*remote.Mailbox
	colls   map[string]*remote.Mailbox
	err     error

	done chan struct{}
}

var _ remote.Store = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientIDs sets the generator for subscription ids.
func WithClientIDs(g ident.Generator) ClientOption {
	return func(c *Client) {
		if g != nil {
			c.ids = g
		}
	}
}

// Dial connects to a relay server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		logger:  slog.Default(),
		ids:     ident.UUIDv7{},
		pending: make(map[uint64]chan Frame),
		docs:    make(map[string]*remote.Mailbox),
		colls:   make(map[string]*remote.Mailbox),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Close ends the connection and stops every listener. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		// The server may already be gone; the close frame is best effort.
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	<-c.done
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Get reads a document.
func (c *Client) Get(ctx context.Context, collection, id string) (remote.Snapshot, error) {
	reply, err := c.call(ctx, Frame{Op: OpGet, Collection: collection, Doc: id})
	if err != nil {
		return remote.Snapshot{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if reply.Snapshot == nil {
		return remote.Snapshot{ID: id}, nil
	}
	return *reply.Snapshot, nil
}

// Update writes fields of an existing document.
func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if _, err := c.call(ctx, Frame{Op: OpUpdate, Collection: collection, Doc: id, Fields: fields}); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

// Create writes a complete document.
func (c *Client) Create(ctx context.Context, collection, id string, data doc.Document) error {
	if data == nil {
		data = doc.Document{}
	}
	if _, err := c.call(ctx, Frame{Op: OpCreate, Collection: collection, Doc: id, Data: data}); err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes a document.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if _, err := c.call(ctx, Frame{Op: OpDelete, Collection: collection, Doc: id}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// WatchDocument registers fn for changes to one document.
func (c *Client) WatchDocument(ctx context.Context, collection, id string, fn func(remote.Snapshot)) (remote.Unsubscribe, error) {
	sub := c.ids.Generate()
	box := remote.NewDocumentMailbox(sub, c.logger, fn)
	if err := c.subscribe(ctx, c.docs, sub, box, Frame{Op: OpWatchDoc, Collection: collection, Doc: id, Sub: sub}); err != nil {
		return nil, fmt.Errorf("watch %s/%s: %w", collection, id, err)
	}
	return c.unsubscriber(c.docs, sub), nil
}

// WatchCollection registers fn for changes to a collection.
func (c *Client) WatchCollection(ctx context.Context, collection string, fn func(remote.CollectionSnapshot)) (remote.Unsubscribe, error) {
	sub := c.ids.Generate()
	box := remote.NewCollectionMailbox(sub, c.logger, fn)
	if err := c.subscribe(ctx, c.colls, sub, box, Frame{Op: OpWatchCollection, Collection: collection, Sub: sub}); err != nil {
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}
	return c.unsubscriber(c.colls, sub), nil
}

// subscribe registers box before the request goes out, since the server may
// push the initial snapshot ahead of its reply.
func (c *Client) subscribe(ctx context.Context, group map[string]*remote.Mailbox, sub string, box *remote.Mailbox, f Frame) error {
	c.mu.Lock()
	group[sub] = box
	c.mu.Unlock()

	if _, err := c.call(ctx, f); err != nil {
		c.mu.Lock()
		delete(group, sub)
		c.mu.Unlock()
		box.Close()
		return err
	}
	return nil
}

func (c *Client) unsubscriber(group map[string]*remote.Mailbox, sub string) remote.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			box, ok := group[sub]
			delete(group, sub)
			c.mu.Unlock()
			if !ok {
				return
			}
			box.Close()
			// Fire and forget: unsubscribing may happen inside a listener.
			if err := c.send(Frame{Op: OpUnwatch, Sub: sub}); err != nil {
				c.logger.Debug("relay unwatch not sent", "sub", sub, "error", err)
			}
		})
	}
}

func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.nextID++
	f.ID = c.nextID
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return Frame{}, err
	}

	select {
	case reply := <-ch:
		if err := replyError(reply); err != nil {
			return Frame{}, err
		}
		return reply, nil
	case <-c.done:
		return Frame{}, c.closedErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("send %s: %w", f.Op, err)
	}
	return nil
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.logger.Warn("discarding malformed relay frame", "error", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Op {
	case OpResult:
		if ch, ok := c.pending[f.ID]; ok {
			ch <- f
		}
	case OpSnapshot:
		if box, ok := c.docs[f.Sub]; ok && f.Snapshot != nil {
			box.PostDocument(*f.Snapshot)
		}
	case OpCollection:
		if box, ok := c.colls[f.Sub]; ok && f.Batch != nil {
			box.PostCollection(*f.Batch)
		}
	default:
		c.logger.Debug("ignoring relay frame", "op", f.Op)
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	boxes := make([]*remote.Mailbox, 0, len(c.docs)+len(c.colls))
	for sub, box := range c.docs {
		boxes = append(boxes, box)
		delete(c.docs, sub)
	}
	for sub, box := range c.colls {
		boxes = append(boxes, box)
		delete(c.colls, sub)
	}
	c.mu.Unlock()

	for _, box := range boxes {
		box.Close()
	}
	c.logger.Debug("relay connection ended", "error", cause)
}
