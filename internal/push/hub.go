// ABOUTME: push hub holding at most one live connection per session
// ABOUTME: attach supersedes, send is non-blocking, a writer goroutine keeps FIFO order

package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultOutboxSize bounds the per-connection outbox. A client that
	// cannot drain this many frames is dropped-from, not waited-on.
	DefaultOutboxSize = 64

	// writeTimeout bounds a single frame write to the peer.
	writeTimeout = 5 * time.Second
)

// Drop reasons reported to Metrics.
const (
	DropNoConnection = "no_connection"
	DropOutboxFull   = "outbox_full"
)

// Conn is one live push connection. Implementations must tolerate
// Close being called more than once.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Metrics receives drop counts from the hub.
type Metrics interface {
	PushDropped(reason string)
}

type connection struct {
	sessionID string
	conn      Conn
	out       chan []byte
	cancel    context.CancelFunc
	done      chan struct{}
}

// Hub tracks the live push connection for each session. A session has at
// most one: attaching a new connection closes the previous one with reason
// "superseded". Frames for a session are written by a single goroutine in
// enqueue order.
type Hub struct {
	log     *slog.Logger
	metrics Metrics
	outbox  int

	mu    sync.RWMutex
	conns map[string]*connection
}

// HubOptions configures a Hub.
type HubOptions struct {
	Logger     *slog.Logger
	Metrics    Metrics
	OutboxSize int
}

// NewHub builds an empty hub.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.OutboxSize
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Hub{
		log:     logger.With("component", "push"),
		metrics: opts.Metrics,
		outbox:  size,
		conns:   make(map[string]*connection),
	}
}

// Attach registers conn as the session's live connection. Any prior
// connection is closed with reason "superseded". The client immediately
// receives a status envelope confirming the attach.
func (h *Hub) Attach(sessionID string, conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		sessionID: sessionID,
		conn:      conn,
		out:       make(chan []byte, h.outbox),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	prior := h.conns[sessionID]
	h.conns[sessionID] = c
	h.mu.Unlock()

	if prior != nil {
		h.stop(prior, ReasonSuperseded)
		h.log.Debug("push connection superseded", "session_id", sessionID)
	}

	go h.writer(ctx, c)
	h.Send(sessionID, Status(sessionID, StatusConnected))
	h.log.Debug("push connection attached", "session_id", sessionID)
}

// Detach forgets conn if it is still the session's current connection.
// A superseded connection detaching late must not evict its successor.
func (h *Hub) Detach(sessionID string, conn Conn) {
	h.mu.Lock()
	c, ok := h.conns[sessionID]
	if !ok || c.conn != conn {
		h.mu.Unlock()
		return
	}
	delete(h.conns, sessionID)
	h.mu.Unlock()

	c.cancel()
	h.log.Debug("push connection detached", "session_id", sessionID)
}

// Send enqueues env for the session's connection without blocking. It
// reports false when no connection is attached or the outbox is full;
// both cases count as drops.
func (h *Hub) Send(sessionID string, env *Envelope) bool {
	h.mu.RLock()
	c := h.conns[sessionID]
	h.mu.RUnlock()

	if c == nil {
		h.drop(sessionID, env.Type, DropNoConnection)
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("push envelope marshal failed", "session_id", sessionID, "type", env.Type, "error", err)
		return false
	}

	select {
	case c.out <- data:
		return true
	default:
		h.drop(sessionID, env.Type, DropOutboxFull)
		return false
	}
}

// Connected reports whether the session has a live connection. Callers
// that only push opportunistically (typing indicators) check this first
// so an absent client does not count as a drop.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[sessionID] != nil
}

// CloseSession closes and forgets the session's connection, handing
// reason to the peer. It is a no-op when nothing is attached.
func (h *Hub) CloseSession(sessionID, reason string) {
	h.mu.Lock()
	c, ok := h.conns[sessionID]
	if ok {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()

	if ok {
		h.stop(c, reason)
		h.log.Debug("push connection closed", "session_id", sessionID, "reason", reason)
	}
}

// CloseAll closes every connection with the given reason.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, c := range conns {
		h.stop(c, reason)
	}
	if len(conns) > 0 {
		h.log.Info("closed all push connections", "count", len(conns), "reason", reason)
	}
}

// Sessions lists sessions with a live connection.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Active reports the number of live connections.
func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// writer drains the connection's outbox one frame at a time. A failed
// write detaches the connection; queued frames are lost, which is fine
// because the peer is gone.
func (h *Hub) writer(ctx context.Context, c *connection) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, data)
			cancel()
			if err != nil {
				h.log.Debug("push write failed", "session_id", c.sessionID, "error", err)
				h.Detach(c.sessionID, c.conn)
				_ = c.conn.Close("write failed")
				return
			}
		}
	}
}

// stop halts the writer and closes the peer connection.
func (h *Hub) stop(c *connection, reason string) {
	c.cancel()
	<-c.done
	if err := c.conn.Close(reason); err != nil {
		h.log.Debug("push connection close failed", "session_id", c.sessionID, "error", err)
	}
}

func (h *Hub) drop(sessionID, envType, reason string) {
	if h.metrics != nil {
		h.metrics.PushDropped(reason)
	}
	h.log.Debug("push frame dropped", "session_id", sessionID, "type", envType, "reason", reason)
}
