// Package ws provides a WebSocket transport. Each socket carries one
// session; messages are JSON-RPC frames in text messages.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	writeControlTimeout     = time.Second
)

// ClientTransport dials a WebSocket endpoint.
type ClientTransport struct {
	URL          string
	BearerToken  string
	PingInterval time.Duration
}

// ClientOption configures the client transport
type ClientOption func(*ClientTransport)

// WithBearerToken attaches a bearer token to the handshake request
func WithBearerToken(token string) ClientOption {
	return func(t *ClientTransport) {
		t.BearerToken = token
	}
}

// WithPingInterval sets the keepalive ping interval; zero disables pings
func WithPingInterval(interval time.Duration) ClientOption {
	return func(t *ClientTransport) {
		t.PingInterval = interval
	}
}

func NewClientTransport(url string, options ...ClientOption) *ClientTransport {
	t := &ClientTransport{
		URL:          url,
		PingInterval: defaultPingInterval,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Connect dials the endpoint and returns the logical connection.
func (t *ClientTransport) Connect(ctx context.Context) (transport.Connection, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	var header http.Header
	if t.BearerToken != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+t.BearerToken)
	}

	wsConn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &protocol.JSONRPCError{
				Code:    protocol.CodeUnauthorized,
				Message: "websocket dial rejected: " + resp.Status,
			}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	conn := newConn(wsConn, resp.Header.Get(SessionIDHeader))
	if t.PingInterval > 0 {
		go conn.pingLoop(t.PingInterval)
	}
	return conn, nil
}

// SessionIDHeader carries the server-assigned session ID on the
// handshake response.
const SessionIDHeader = "Taskrpc-Session-Id"

// Conn adapts a websocket.Conn to the transport.Connection interface.
type Conn struct {
	sessionID string

	// gorilla/websocket allows one concurrent writer
	writeMu sync.Mutex
	ws      *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, sessionID string) *Conn {
	return &Conn{
		sessionID: sessionID,
		ws:        ws,
		done:      make(chan struct{}),
	}
}

func (c *Conn) Read(ctx context.Context) (*protocol.JSONRPCMessage, error) {
	// ReadMessage has no context form; close the socket to unblock it
	// when the context ends.
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.done:
				return nil, transport.ErrConnectionClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, transport.ErrConnectionClosed
			}
			return nil, fmt.Errorf("websocket read failed: %w", err)
		}

		var msg protocol.JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Skip unparseable frames rather than killing the session.
			continue
		}
		return &msg, nil
	}
}

func (c *Conn) Write(ctx context.Context, msg *protocol.JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-c.done:
		return transport.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeControlTimeout))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *Conn) SessionID() string {
	return c.sessionID
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeControlTimeout))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// connTransport hands a pre-established connection to Server.Connect.
type connTransport struct {
	conn transport.Connection
}

func (t *connTransport) Connect(ctx context.Context) (transport.Connection, error) {
	return t.conn, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerSession is the subset of the server session the handler needs.
// The HTTP layer authorizes, then the server owns the logical session.
type ServerSession interface {
	Wait() error
	Close() error
}

// Handler upgrades HTTP requests to WebSocket sessions.
type Handler struct {
	connect      func(ctx context.Context, t transport.Transport) (ServerSession, error)
	bearerTokens map[string]struct{}
	pingInterval time.Duration

	mu       sync.Mutex
	sessions map[string]ServerSession
}

// HandlerOption configures the handler
type HandlerOption func(*Handler)

// WithBearerTokens enables bearer-token authorization with the given
// accepted tokens. An empty set leaves the endpoint open.
func WithBearerTokens(tokens ...string) HandlerOption {
	return func(h *Handler) {
		for _, token := range tokens {
			h.bearerTokens[token] = struct{}{}
		}
	}
}

// WithServerPingInterval sets the keepalive ping interval for accepted
// connections; zero disables pings.
func WithServerPingInterval(interval time.Duration) HandlerOption {
	return func(h *Handler) {
		h.pingInterval = interval
	}
}

// NewHandler builds a WebSocket handler that serves each accepted
// connection through connect.
func NewHandler(connect func(ctx context.Context, t transport.Transport) (ServerSession, error), options ...HandlerOption) *Handler {
	h := &Handler{
		connect:      connect,
		bearerTokens: make(map[string]struct{}),
		pingInterval: defaultPingInterval,
		sessions:     make(map[string]ServerSession),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := uuid.NewString()
	upgradeHeader := http.Header{}
	upgradeHeader.Set(SessionIDHeader, sessionID)

	wsConn, err := upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		return
	}

	conn := newConn(wsConn, sessionID)
	if h.pingInterval > 0 {
		go conn.pingLoop(h.pingInterval)
	}

	// The session outlives this request's context.
	session, err := h.connect(context.Background(), &connTransport{conn: conn})
	if err != nil {
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.sessions[sessionID] = session
	h.mu.Unlock()

	_ = session.Wait()

	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	_ = session.Close()
}

func (h *Handler) authorize(r *http.Request) bool {
	if len(h.bearerTokens) == 0 {
		return true
	}

	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	_, ok := h.bearerTokens[auth[len(prefix):]]
	return ok
}

// Close terminates all active sessions.
func (h *Handler) Close() error {
	h.mu.Lock()
	sessions := make([]ServerSession, 0, len(h.sessions))
	for id, session := range h.sessions {
		sessions = append(sessions, session)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, session := range sessions {
		_ = session.Close()
	}
	return nil
}
