package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/server"
)

const (
	ProtocolVersionHeader = "Taskrpc-Protocol-Version"
	SessionIDHeader       = "Taskrpc-Session-Id"
	DefaultMaxBodyBytes   = 10 << 20 // 10 MiB

	sessionSweepInterval = 5 * time.Minute
	sessionMaxIdle       = 30 * time.Minute
)

// HTTPHandler exposes a server over streamable HTTP: JSON-RPC requests
// arrive as POST bodies, responses come back as JSON or as per-request
// SSE streams, and a standalone GET stream carries server-initiated
// traffic. Sessions are keyed by the Taskrpc-Session-Id header.
type HTTPHandler struct {
	serverFactory   func(*http.Request) *server.Server
	logger          *slog.Logger
	protocolVersion string
	maxBodyBytes    int64
	bearerTokens    map[string]struct{}

	mu       sync.RWMutex
	sessions map[string]*httpSession
}

type httpSession struct {
	transport  *ServerTransport
	session    *server.ServerSession
	lastActive time.Time
}

type HandlerOption func(*HTTPHandler)

// WithBearerTokens enables bearer-token authentication. Requests whose
// Authorization header does not carry one of the given tokens are
// rejected with 401.
func WithBearerTokens(tokens []string) HandlerOption {
	return func(h *HTTPHandler) {
		for _, tok := range tokens {
			if tok != "" {
				h.bearerTokens[tok] = struct{}{}
			}
		}
	}
}

// WithHandlerLogger sets the logger used for transport-level events.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *HTTPHandler) {
		h.logger = logger
	}
}

// WithMaxBodyBytes sets the maximum accepted request body size.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *HTTPHandler) {
		h.maxBodyBytes = n
	}
}

// NewHTTPHandler creates a handler backed by the given server factory.
// The factory is invoked once per session, on initialize.
func NewHTTPHandler(serverFactory func(*http.Request) *server.Server, options ...HandlerOption) *HTTPHandler {
	h := &HTTPHandler{
		serverFactory:   serverFactory,
		logger:          slog.Default(),
		protocolVersion: protocol.Version,
		maxBodyBytes:    DefaultMaxBodyBytes,
		bearerTokens:    make(map[string]struct{}),
		sessions:        make(map[string]*httpSession),
	}
	for _, opt := range options {
		opt(h)
	}
	go h.sweepLoop()
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(ProtocolVersionHeader, h.protocolVersion)

	if !h.authorize(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) authorize(r *http.Request) bool {
	if len(h.bearerTokens) == 0 {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	_, ok := h.bearerTokens[strings.TrimSpace(auth[len(prefix):])]
	return ok
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		return
	}

	var msg protocol.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Invalid JSON-RPC message", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	isInitialize := msg.Method == protocol.MethodInitialize

	var sess *httpSession
	if isInitialize {
		if sessionID != "" {
			http.Error(w, "Initialize must not include a session ID", http.StatusBadRequest)
			return
		}
		sessionID = uuid.NewString()
		sess, err = h.createSession(r, sessionID)
		if err != nil {
			h.logger.Error("failed to create session", "error", err)
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
	} else {
		if sessionID == "" {
			http.Error(w, "Missing session ID", http.StatusBadRequest)
			return
		}
		sess = h.lookupSession(sessionID)
		if sess == nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
	}

	// Responses and notifications are one-way: feed them into the
	// session and acknowledge.
	if msg.Method == "" || msg.ID == nil {
		if err := sess.transport.Deliver(&msg); err != nil {
			http.Error(w, "Session closed", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if isInitialize {
		w.Header().Set(SessionIDHeader, sessionID)
	}

	if acceptsEventStream(r) {
		h.respondStream(w, r, sess, &msg)
	} else {
		h.respondJSON(w, r, sess, &msg)
	}
}

// respondJSON delivers the request and writes the single response as a
// plain JSON body.
func (h *HTTPHandler) respondJSON(w http.ResponseWriter, r *http.Request, sess *httpSession, msg *protocol.JSONRPCMessage) {
	reqID := msg.GetIDString()
	respCh := make(chan []byte, 1)

	streamID := uuid.NewString()
	sess.transport.RegisterStream(streamID, map[string]struct{}{reqID: {}}, func(data []byte, final bool) error {
		select {
		case respCh <- data:
		default:
		}
		return nil
	})
	defer sess.transport.UnregisterStream(streamID)

	if err := sess.transport.Deliver(msg); err != nil {
		http.Error(w, "Session closed", http.StatusNotFound)
		return
	}

	select {
	case data := <-respCh:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case <-r.Context().Done():
	}
}

// respondStream delivers the request and relays the response over a
// per-request SSE stream, closing it once the final response is sent.
func (h *HTTPHandler) respondStream(w http.ResponseWriter, r *http.Request, sess *httpSession, msg *protocol.JSONRPCMessage) {
	sseSession, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	reqID := msg.GetIDString()
	finished := make(chan struct{})
	var once sync.Once

	streamID := uuid.NewString()
	sess.transport.RegisterStream(streamID, map[string]struct{}{reqID: {}}, func(data []byte, final bool) error {
		if err := sendEvent(sseSession, data); err != nil {
			return err
		}
		if final {
			once.Do(func() { close(finished) })
		}
		return nil
	})
	defer sess.transport.UnregisterStream(streamID)

	if err := sess.transport.Deliver(msg); err != nil {
		return
	}

	select {
	case <-finished:
	case <-r.Context().Done():
	}
}

// handleGet opens the standalone SSE stream that carries server
// notifications and server-initiated requests.
func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !acceptsEventStream(r) {
		http.Error(w, "Accept header must include text/event-stream", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}
	sess := h.lookupSession(sessionID)
	if sess == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	sseSession, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := sess.transport.BindStandalone(func(data []byte, final bool) error {
		return sendEvent(sseSession, data)
	}); err != nil {
		return
	}
	defer sess.transport.ReleaseStandalone()

	<-r.Context().Done()
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()

	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	h.closeSession(sess)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) createSession(r *http.Request, sessionID string) (*httpSession, error) {
	st := NewServerTransport(sessionID)
	srv := h.serverFactory(r)
	// Session lifetime is owned by the handler, not the initiating
	// request, so the connection runs on a background context.
	ss, err := srv.Connect(context.Background(), st)
	if err != nil {
		st.Close()
		return nil, err
	}

	sess := &httpSession{
		transport:  st,
		session:    ss,
		lastActive: time.Now(),
	}
	h.mu.Lock()
	h.sessions[sessionID] = sess
	h.mu.Unlock()
	return sess, nil
}

func (h *HTTPHandler) lookupSession(sessionID string) *httpSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	sess.lastActive = time.Now()
	return sess
}

func (h *HTTPHandler) closeSession(sess *httpSession) {
	if sess.session != nil {
		_ = sess.session.Close()
	}
	_ = sess.transport.Close()
}

// Close tears down all active sessions.
func (h *HTTPHandler) Close() error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*httpSession)
	h.mu.Unlock()

	for _, sess := range sessions {
		h.closeSession(sess)
	}
	return nil
}

func (h *HTTPHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.ContentLength > h.maxBodyBytes {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return nil, errors.New("body too large")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, err
	}
	return body, nil
}

func (h *HTTPHandler) sweepLoop() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		h.sweepSessions(sessionMaxIdle)
	}
}

func (h *HTTPHandler) sweepSessions(maxIdle time.Duration) {
	var expired []*httpSession
	h.mu.Lock()
	now := time.Now()
	for id, sess := range h.sessions {
		if now.Sub(sess.lastActive) > maxIdle {
			delete(h.sessions, id)
			expired = append(expired, sess)
		}
	}
	h.mu.Unlock()

	for _, sess := range expired {
		h.closeSession(sess)
	}
}

func sendEvent(sess *sse.Session, data []byte) error {
	m := &sse.Message{Type: sse.Type("message")}
	m.AppendData(string(data))
	if err := sess.Send(m); err != nil {
		return err
	}
	return sess.Flush()
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
