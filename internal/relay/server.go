package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/rift/internal/ident"
	"github.com/roach88/rift/internal/remote"
)

const writeWait = 10 * time.Second

var errSessionClosed = errors.New("session closed")

// Server exposes a remote.Store to websocket clients.
type Server struct {
	backend  remote.Store
	logger   *slog.Logger
	ids      ident.Generator
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServerIDs sets the generator for subscription ids the client did not
// choose.
func WithServerIDs(g ident.Generator) ServerOption {
	return func(s *Server) {
		if g != nil {
			s.ids = g
		}
	}
}

// NewServer creates a relay server over backend.
func NewServer(backend remote.Store, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  slog.Default(),
		ids:     ident.UUIDv7{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	ss := &session{
		server: s,
		conn:   conn,
		subs:   make(map[string]remote.Unsubscribe),
		logger: s.logger.With("remote_addr", r.RemoteAddr),
	}
	if !s.track(ss) {
		conn.Close()
		return
	}
	defer s.untrack(ss)

	ss.logger.Debug("relay client connected")
	ss.serve(r.Context())
	ss.logger.Debug("relay client disconnected")
}

// Close disconnects every client. The backend is left open.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()

	for _, ss := range sessions {
		ss.close()
	}
	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(ss *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[ss] = struct{}{}
	return true
}

func (s *Server) untrack(ss *session) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
	ss.close()
}

// session is one connected client.
type session struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]remote.Unsubscribe
	closed bool
}

func (ss *session) serve(ctx context.Context) {
	for {
		_, payload, err := ss.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.logger.Debug("relay read ended", "error", err)
			}
			return
		}

		f, err := decodeFrame(payload)
		if err != nil {
			ss.logger.Warn("discarding malformed frame", "error", err)
			continue
		}

		reply := ss.handle(ctx, f)
		if f.ID == 0 {
			continue
		}
		reply.ID = f.ID
		if err := ss.send(reply); err != nil {
			return
		}
	}
}

func (ss *session) handle(ctx context.Context, f Frame) Frame {
	backend := ss.server.backend
	ok := Frame{Op: OpResult}

	switch f.Op {
	case OpGet:
		if f.Collection == "" || f.Doc == "" {
			return errorFrame(f.ID, badRequest("get needs collection and doc"))
		}
		snap, err := backend.Get(ctx, f.Collection, f.Doc)
		if err != nil {
			return errorFrame(f.ID, err)
		}
		ok.Snapshot = &snap
		return ok

	case OpUpdate:
		if f.Collection == "" || f.Doc == "" {
			return errorFrame(f.ID, badRequest("update needs collection and doc"))
		}
		if err := backend.Update(ctx, f.Collection, f.Doc, f.Fields); err != nil {
			return errorFrame(f.ID, err)
		}
		return ok

	case OpCreate:
		if f.Collection == "" || f.Doc == "" {
			return errorFrame(f.ID, badRequest("create needs collection and doc"))
		}
		if err := backend.Create(ctx, f.Collection, f.Doc, f.Data); err != nil {
			return errorFrame(f.ID, err)
		}
		return ok

	case OpDelete:
		if f.Collection == "" || f.Doc == "" {
			return errorFrame(f.ID, badRequest("delete needs collection and doc"))
		}
		if err := backend.Delete(ctx, f.Collection, f.Doc); err != nil {
			return errorFrame(f.ID, err)
		}
		return ok

	case OpWatchDoc, OpWatchCollection:
		sub, err := ss.watch(ctx, f)
		if err != nil {
			return errorFrame(f.ID, err)
		}
		ok.Sub = sub
		return ok

	case OpUnwatch:
		ss.unwatch(f.Sub)
		ok.Sub = f.Sub
		return ok

	default:
		return errorFrame(f.ID, badRequest("unknown op %q", f.Op))
	}
}

func (ss *session) watch(ctx context.Context, f Frame) (string, error) {
	if f.Collection == "" || (f.Op == OpWatchDoc && f.Doc == "") {
		return "", badRequest("%s needs collection and doc", f.Op)
	}
	sub := f.Sub
	if sub == "" {
		sub = ss.server.ids.Generate()
	}

	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return "", errSessionClosed
	}
	if _, exists := ss.subs[sub]; exists {
		ss.mu.Unlock()
		return "", badRequest("subscription %s already exists", sub)
	}
	// Reserve the id so pushes racing the registration are not orphaned.
	ss.subs[sub] = func() {}
	ss.mu.Unlock()

	var (
		unsub remote.Unsubscribe
		err   error
	)
	if f.Op == OpWatchDoc {
		unsub, err = ss.server.backend.WatchDocument(ctx, f.Collection, f.Doc, func(snap remote.Snapshot) {
			ss.push(Frame{Op: OpSnapshot, Sub: sub, Snapshot: &snap})
		})
	} else {
		unsub, err = ss.server.backend.WatchCollection(ctx, f.Collection, func(snap remote.CollectionSnapshot) {
			ss.push(Frame{Op: OpCollection, Sub: sub, Batch: &snap})
		})
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err != nil {
		delete(ss.subs, sub)
		return "", err
	}
	if ss.closed {
		unsub()
		return "", errSessionClosed
	}
	ss.subs[sub] = unsub
	ss.logger.Debug("relay watch", "sub", sub, "collection", f.Collection, "doc", f.Doc)
	return sub, nil
}

func (ss *session) unwatch(sub string) {
	ss.mu.Lock()
	unsub, ok := ss.subs[sub]
	delete(ss.subs, sub)
	ss.mu.Unlock()
	if ok {
		unsub()
	}
}

// push sends a notification. Write failures close the connection, which ends
// the read loop.
func (ss *session) push(f Frame) {
	if err := ss.send(f); err != nil {
		ss.logger.Debug("relay push failed", "sub", f.Sub, "error", err)
		ss.conn.Close()
	}
}

func (ss *session) send(f Frame) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ss.conn.WriteJSON(f)
}

func (ss *session) close() {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	subs := ss.subs
	ss.subs = nil
	ss.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	ss.conn.Close()
}
