package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/transport"
)

type ClientInfo struct {
	Name    string
	Version string
}

// ClientOptions configures client behavior
type ClientOptions struct {
	// ElicitationHandler handles elicitation/create requests from the server.
	//
	// Setting this to a non-nil value causes the client to declare the
	// elicitation capability.
	ElicitationHandler func(context.Context, *protocol.ElicitationCreateParams) (*protocol.ElicitationResult, error)

	// ToolListChangedHandler is invoked on notifications/tools/list_changed.
	ToolListChangedHandler func(context.Context, *protocol.ToolListChangedParams)

	// ProgressHandler is invoked on notifications/progress.
	ProgressHandler func(context.Context, *protocol.ProgressNotificationParams)

	// TaskStatusHandler is invoked on notifications/tasks/status, after
	// the session has recorded the new state for waiters.
	TaskStatusHandler func(context.Context, *protocol.TaskStatusNotificationParams)

	// KeepAlive defines the interval for periodic "ping" requests.
	// If the peer fails to respond to a keepalive ping, the session
	// will automatically close.
	KeepAlive time.Duration
}

type Client struct {
	info     *ClientInfo
	opts     ClientOptions
	mu       sync.Mutex
	sessions []*ClientSession
}

func NewClient(info *ClientInfo, opts *ClientOptions) *Client {
	if info == nil {
		panic("nil ClientInfo")
	}
	c := &Client{
		info: info,
	}
	if opts != nil {
		c.opts = *opts
	}
	return c
}

// capabilities returns the client's capability declaration
func (c *Client) capabilities() *protocol.ClientCapabilities {
	caps := &protocol.ClientCapabilities{}
	if c.opts.ElicitationHandler != nil {
		caps.Elicitation = &protocol.ElicitationCapability{}
	}
	return caps
}

// Connect starts a session via the given transport.
// The returned session is initialized and ready to use.
//
// Typically the client is responsible for closing the connection when no
// longer needed. If the connection is closed by the server, calls and
// notifications return errors wrapping ErrConnectionClosed.
func (c *Client) Connect(ctx context.Context, t transport.Transport) (*ClientSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport connect failed: %w", err)
	}

	cs := &ClientSession{
		conn:             conn,
		client:           c,
		waitErr:          make(chan error, 1),
		pending:          make(map[string]*pendingRequest),
		incomingRequests: make(map[string]context.CancelFunc),
		taskState:        make(map[string]protocol.Task),
		taskChanged:      make(map[string]chan struct{}),
		taskProgress:     make(map[string]protocol.TaskProgress),
	}

	c.mu.Lock()
	c.sessions = append(c.sessions, cs)
	c.mu.Unlock()

	go func() {
		err := cs.handleMessages(ctx)
		cs.waitErr <- err
		close(cs.waitErr)
	}()

	// Perform initialization handshake
	initParams := &protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		ClientInfo: protocol.ClientInfo{
			Name:    c.info.Name,
			Version: c.info.Version,
		},
		Capabilities: *c.capabilities(),
	}

	var initResult protocol.InitializeResult
	if err := cs.sendRequest(ctx, protocol.MethodInitialize, initParams, &initResult); err != nil {
		_ = cs.Close()
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	if !protocol.IsVersionSupported(initResult.ProtocolVersion) {
		_ = cs.Close()
		return nil, fmt.Errorf("unsupported protocol version: %s (supported: %v)",
			initResult.ProtocolVersion, protocol.SupportedVersions())
	}

	cs.state.InitializeResult = &initResult

	if updater, ok := conn.(interface {
		SessionUpdated(*protocol.InitializeResult)
	}); ok {
		updater.SessionUpdated(&initResult)
	}

	if err := cs.sendNotification(ctx, protocol.NotificationInitialized, &protocol.InitializedParams{}); err != nil {
		_ = cs.Close()
		return nil, fmt.Errorf("send initialized notification failed: %w", err)
	}

	if c.opts.KeepAlive > 0 {
		cs.startKeepalive(c.opts.KeepAlive)
	}

	return cs, nil
}

// ClientSession is a logical connection to a server.
// It can be used to send requests or notifications to the server.
// Sessions are created by calling Client.Connect.
//
// Call ClientSession.Close to close the connection, or use
// ClientSession.Wait to wait for server termination.
type ClientSession struct {
	// Ensure onClose is called at most once
	calledOnClose atomic.Bool
	onClose       func()

	conn    transport.Connection
	client  *Client
	waitErr chan error

	// keepalive, guarded by mu
	keepaliveCancel context.CancelFunc

	// Session state
	state clientSessionState

	// Pending requests
	mu               sync.Mutex
	pending          map[string]*pendingRequest    // Requests sent by client
	incomingRequests map[string]context.CancelFunc // Requests sent by server (for cancellation)
	nextID           int64

	// Task status tracking, fed by notifications/tasks/status and
	// notifications/progress.
	taskMu       sync.Mutex
	taskState    map[string]protocol.Task
	taskChanged  map[string]chan struct{}
	taskProgress map[string]protocol.TaskProgress
}

type clientSessionState struct {
	InitializeResult *protocol.InitializeResult
}

type pendingRequest struct {
	method   string
	response chan *protocol.JSONRPCMessage
	err      chan error
}

// InitializeResult returns the initialization result
func (cs *ClientSession) InitializeResult() *protocol.InitializeResult {
	return cs.state.InitializeResult
}

func (cs *ClientSession) ID() string {
	return cs.conn.SessionID()
}

func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.keepaliveCancel != nil {
		cs.keepaliveCancel()
		cs.keepaliveCancel = nil
	}
	cs.mu.Unlock()

	// Clean up all pending requests (before closing connection)
	cs.mu.Lock()
	pending := cs.pending
	cs.pending = make(map[string]*pendingRequest)
	incomingRequests := cs.incomingRequests
	cs.incomingRequests = make(map[string]context.CancelFunc)
	cs.mu.Unlock()

	// Notify all client-initiated requests that connection is closed
	for _, req := range pending {
		select {
		case req.err <- fmt.Errorf("connection closed"):
		default:
		}
	}

	// Cancel all server-initiated requests currently being processed
	for _, cancel := range incomingRequests {
		cancel()
	}

	err := cs.conn.Close()

	if cs.onClose != nil && cs.calledOnClose.CompareAndSwap(false, true) {
		cs.onClose()
	}

	cs.client.mu.Lock()
	for i, s := range cs.client.sessions {
		if s == cs {
			cs.client.sessions = append(cs.client.sessions[:i], cs.client.sessions[i+1:]...)
			break
		}
	}
	cs.client.mu.Unlock()

	return err
}

// Wait waits for the connection to be closed by the server. Typically,
// the client should be responsible for closing the connection.
func (cs *ClientSession) Wait() error {
	return <-cs.waitErr
}
