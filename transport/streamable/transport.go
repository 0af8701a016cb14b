package streamable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/transport"
)

// ServerTransport bridges one logical session to a sequence of HTTP
// requests. Inbound messages are fed in by the HTTP handler via Deliver;
// outbound messages are routed to whichever stream is responsible for
// them: the per-request stream that is waiting on the response, or the
// standalone stream opened with GET for everything else.
type ServerTransport struct {
	sessionID string
	incoming  chan *protocol.JSONRPCMessage
	done      chan struct{}
	closeOnce sync.Once

	streamsMu      sync.Mutex
	streams        map[string]*stream
	requestStreams map[string]string // request ID -> stream ID
}

// stream is one logical delivery channel within a session.
// requests is guarded by the transport's streamsMu; mu guards deliver
// and is only ever taken after streamsMu is released or while holding
// it, never the other way around.
type stream struct {
	id string

	mu      sync.Mutex
	deliver func(data []byte, final bool) error

	requests map[string]struct{} // outstanding request IDs
}

func NewServerTransport(sessionID string) *ServerTransport {
	t := &ServerTransport{
		sessionID:      sessionID,
		incoming:       make(chan *protocol.JSONRPCMessage, 16),
		done:           make(chan struct{}),
		streams:        make(map[string]*stream),
		requestStreams: make(map[string]string),
	}

	// The standalone stream exists for the whole session lifetime;
	// its deliver callback is bound while a GET stream is open.
	t.streams[""] = &stream{
		id:       "",
		requests: make(map[string]struct{}),
	}

	return t
}

func (t *ServerTransport) Connect(ctx context.Context) (transport.Connection, error) {
	return &serverConn{transport: t}, nil
}

// Deliver feeds a message received over HTTP into the session.
func (t *ServerTransport) Deliver(msg *protocol.JSONRPCMessage) error {
	select {
	case t.incoming <- msg:
		return nil
	case <-t.done:
		return transport.ErrConnectionClosed
	}
}

// RegisterStream attaches a delivery callback for the given request IDs.
// Responses to those requests are routed to this stream until it is
// unregistered or the last response has been written.
func (t *ServerTransport) RegisterStream(streamID string, requests map[string]struct{}, deliver func(data []byte, final bool) error) {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()

	s := &stream{
		id:       streamID,
		deliver:  deliver,
		requests: requests,
	}
	t.streams[streamID] = s

	for reqID := range requests {
		t.requestStreams[reqID] = streamID
	}
}

func (t *ServerTransport) UnregisterStream(streamID string) {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()

	if s, ok := t.streams[streamID]; ok {
		s.mu.Lock()
		s.deliver = nil
		s.mu.Unlock()
		delete(t.streams, streamID)
	}
	for reqID, id := range t.requestStreams {
		if id == streamID {
			delete(t.requestStreams, reqID)
		}
	}
}

// BindStandalone attaches the delivery callback for the standalone GET
// stream. Only one standalone stream may be bound at a time.
func (t *ServerTransport) BindStandalone(deliver func(data []byte, final bool) error) error {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()

	s := t.streams[""]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliver != nil {
		return fmt.Errorf("standalone stream already bound")
	}
	s.deliver = deliver
	return nil
}

func (t *ServerTransport) ReleaseStandalone() {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()

	s := t.streams[""]
	s.mu.Lock()
	s.deliver = nil
	s.mu.Unlock()
}

func (t *ServerTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

type serverConn struct {
	transport *ServerTransport
}

func (c *serverConn) Read(ctx context.Context) (*protocol.JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.transport.done:
		return nil, transport.ErrConnectionClosed
	case msg := <-c.transport.incoming:
		return msg, nil
	}
}

func (c *serverConn) Write(ctx context.Context, msg *protocol.JSONRPCMessage) error {
	select {
	case <-c.transport.done:
		return transport.ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var responseTo string
	if !msg.IsNotification() && (msg.Result != nil || msg.Error != nil) {
		responseTo = msg.GetIDString()
	}

	t := c.transport
	t.streamsMu.Lock()
	var s *stream
	if responseTo != "" {
		if streamID, ok := t.requestStreams[responseTo]; ok {
			s = t.streams[streamID]
		}
		delete(t.requestStreams, responseTo)
	}
	if s == nil {
		// Notifications, server-initiated requests, and responses whose
		// request stream is gone all go to the standalone stream.
		s = t.streams[""]
	}

	// All routing bookkeeping happens under streamsMu so the stream lock
	// is never held while waiting for it (UnregisterStream takes them in
	// streamsMu-then-stream order).
	final := false
	if responseTo != "" && s.id != "" {
		delete(s.requests, responseTo)
		if len(s.requests) == 0 {
			final = true
			delete(t.streams, s.id)
		}
	}
	t.streamsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deliver == nil {
		if msg.Method != "" && msg.ID != nil {
			// A server-initiated request without a listener can never be
			// answered; dropping it would leave the caller waiting forever.
			return fmt.Errorf("no standalone stream bound for server request %s", msg.Method)
		}
		// Dropped notification. Task state remains observable through
		// tasks/get, so this is not fatal.
		return nil
	}
	return s.deliver(data, final)
}

func (c *serverConn) Close() error {
	// A session spans many HTTP requests; the HTTP handler closes the
	// transport when the session is deleted or expires.
	return nil
}

func (c *serverConn) SessionID() string {
	return c.transport.sessionID
}
