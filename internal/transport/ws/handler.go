// Package ws exposes voice sessions over WebSocket.
//
// Each connection owns one [session.Session]. Binary frames from the client
// are caller audio; text frames are JSON [ClientMessage] values. The server
// answers with JSON [ServerMessage] values and sends response audio as binary
// frames, in the order the session produced them.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/session"
)

// Defaults for [Handler].
const (
	DefaultReadLimit    = 1 << 20
	DefaultWriteTimeout = 10 * time.Second
	DefaultSendBuffer   = 64
)

// Handler upgrades HTTP requests and bridges them to a session manager.
type Handler struct {
	manager *session.Manager

	originPatterns []string
	readLimit      int64
	writeTimeout   time.Duration
	sendBuffer     int
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin clients matching the given host
// patterns. Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = append(h.originPatterns, patterns...) }
}

// WithReadLimit caps the size of a single client frame in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithWriteTimeout bounds each frame written to the client.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithSendBuffer sets how many outbound frames may queue before session
// events block.
func WithSendBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// New returns a Handler that opens sessions on m.
func New(m *session.Manager, opts ...Option) *Handler {
	h := &Handler{
		manager:      m,
		readLimit:    DefaultReadLimit,
		writeTimeout: DefaultWriteTimeout,
		sendBuffer:   DefaultSendBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the handler on mux at path.
func (h *Handler) Register(mux *http.ServeMux, path string) {
	mux.Handle("GET "+path, h)
}

// ServeHTTP runs one connection until the client leaves, sends a close
// message or the request context ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Warn("ws: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan frame, h.sendBuffer),
		timeout: h.writeTimeout,
		done:    make(chan struct{}),
	}
	go c.writeLoop()

	sess := h.manager.Open(ctx, c)
	log := observe.SessionLogger(ctx, sess.ID()).With("remote", r.RemoteAddr)
	c.sendJSON(ServerMessage{Type: TypeSession, ID: sess.ID()})

	err = c.readLoop(sess, log)

	// Unblock any event waiting on a full queue before closing the session.
	cancel()
	_ = sess.Close()
	c.closeOut()
	<-c.done

	switch {
	case err == nil, errors.Is(err, context.Canceled), websocket.CloseStatus(err) != -1:
		conn.Close(websocket.StatusNormalClosure, "session closed")
	default:
		log.Warn("ws: connection ended", "err", err)
		conn.Close(websocket.StatusInternalError, "session error")
	}
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// client is the per-connection session.Events sink. Events only enqueue
// frames; a single writer goroutine owns the socket's write side.
type client struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	out     chan frame
	outOnce sync.Once
	done    chan struct{}
}

// UtteranceReady implements session.Events.
func (c *client) UtteranceReady(text string) {
	c.sendJSON(ServerMessage{Type: TypeUtterance, Text: text})
}

// AudioChunkReady implements session.Events.
func (c *client) AudioChunkReady(audio []byte) {
	c.enqueue(frame{typ: websocket.MessageBinary, data: audio})
}

// TurnComplete implements session.Events.
func (c *client) TurnComplete() {
	c.sendJSON(ServerMessage{Type: TypeTurnComplete})
}

// TurnFailed implements session.Events.
func (c *client) TurnFailed(err error) {
	c.sendJSON(ServerMessage{Type: TypeTurnFailed, Error: err.Error()})
}

func (c *client) sendJSON(m ServerMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		slog.Error("ws: encode message", "type", m.Type, "err", err)
		return
	}
	c.enqueue(frame{typ: websocket.MessageText, data: data})
}

func (c *client) sendError(err error) {
	c.sendJSON(ServerMessage{Type: TypeError, Error: err.Error()})
}

func (c *client) enqueue(f frame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

func (c *client) closeOut() {
	c.outOnce.Do(func() { close(c.out) })
}

// writeLoop drains queued frames. After a write error the remaining frames
// are discarded and the connection context is cancelled so the read side
// stops too.
func (c *client) writeLoop() {
	defer close(c.done)
	failed := false
	for f := range c.out {
		if failed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.conn.Write(ctx, f.typ, f.data)
		cancel()
		if err != nil {
			failed = true
			c.cancel()
		}
	}
}

// readLoop dispatches client frames until the socket closes or the client
// asks to end the session. A nil return means an orderly close.
func (c *client) readLoop(sess *session.Session, log *slog.Logger) error {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}

		if typ == websocket.MessageBinary {
			err = sess.AudioFrame(data)
		} else {
			var msg ClientMessage
			if jerr := json.Unmarshal(data, &msg); jerr != nil {
				c.sendError(fmt.Errorf("invalid message: %w", jerr))
				continue
			}
			if msg.Type == TypeClose {
				return nil
			}
			err = c.dispatch(sess, msg)
		}

		switch {
		case err == nil:
		case errors.Is(err, session.ErrClosed):
			// Closed underneath us, e.g. by a server shutdown.
			return nil
		default:
			log.Debug("ws: client request rejected", "err", err)
			c.sendError(err)
		}
	}
}

func (c *client) dispatch(sess *session.Session, msg ClientMessage) error {
	switch msg.Type {
	case TypeConfigure:
		cfg, err := msg.sessionConfig()
		if err != nil {
			return err
		}
		return sess.Configure(cfg)
	case TypeText:
		return sess.TextInput(msg.Text)
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}
