package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/transport"
)

// ServerSession represents a server session, one ServerSession per client connection
type ServerSession struct {
	calledOnClose atomic.Bool
	onClose       func()

	server *Server
	conn   Connection // Underlying connection (from transport)

	// keepalive, guarded by mu
	keepaliveCancel context.CancelFunc

	mu              sync.Mutex
	state           ServerSessionState
	waitErr         chan error
	pendingRequests map[string]context.CancelFunc // Track pending requests for cancellation
}

// ServerSessionState represents session state
type ServerSessionState struct {
	// InitializeParams are the parameters from the initialize request
	InitializeParams *protocol.InitializeParams

	// InitializedParams are the parameters from notifications/initialized
	InitializedParams *protocol.InitializedParams
}

// Connection represents the underlying transport connection
type Connection interface {
	// SendNotification sends a notification to the client
	SendNotification(ctx context.Context, method string, params interface{}) error

	// SendRequest sends a request to the client and waits for a response
	SendRequest(ctx context.Context, method string, params interface{}, result interface{}) error

	Close() error

	SessionID() string
}

func (ss *ServerSession) ID() string {
	if ss.conn != nil {
		return ss.conn.SessionID()
	}
	return ""
}

func (ss *ServerSession) Close() error {
	ss.mu.Lock()
	if ss.keepaliveCancel != nil {
		ss.keepaliveCancel()
		ss.keepaliveCancel = nil
	}
	ss.mu.Unlock()

	// Cancel all pending requests
	ss.mu.Lock()
	pendingRequests := ss.pendingRequests
	ss.pendingRequests = make(map[string]context.CancelFunc)
	ss.mu.Unlock()

	for _, cancel := range pendingRequests {
		cancel()
	}

	if ss.calledOnClose.CompareAndSwap(false, true) {
		if ss.onClose != nil {
			ss.onClose()
		}
	}
	if ss.conn != nil {
		return ss.conn.Close()
	}
	return nil
}

// Wait waits for the session to end and returns the error that caused it to end
func (ss *ServerSession) Wait() error {
	if ss.waitErr == nil {
		return nil
	}
	return <-ss.waitErr
}

// updateState updates the session state
func (ss *ServerSession) updateState(mut func(*ServerSessionState)) {
	ss.mu.Lock()
	mut(&ss.state)
	ss.mu.Unlock()
}

// supportsElicitation reports whether the connected client declared the
// elicitation capability during initialize.
func (ss *ServerSession) supportsElicitation() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.InitializeParams != nil &&
		ss.state.InitializeParams.Capabilities.Elicitation != nil
}

// Ping sends a ping request to the client
func (ss *ServerSession) Ping(ctx context.Context) error {
	return ss.conn.SendRequest(ctx, protocol.MethodPing, &protocol.PingParams{}, &protocol.EmptyResult{})
}

// Elicit sends an elicitation request to the client and waits for the
// user's answer. The returned result carries the action (accept, decline
// or cancel) and, on accept, the content.
func (ss *ServerSession) Elicit(ctx context.Context, params *protocol.ElicitationCreateParams) (*protocol.ElicitationResult, error) {
	if !ss.supportsElicitation() {
		return nil, fmt.Errorf("client does not support elicitation")
	}
	var result protocol.ElicitationResult
	if err := ss.conn.SendRequest(ctx, protocol.MethodElicitationCreate, params, &result); err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("invalid elicitation result: %w", err)
	}
	if result.IsAccepted() && params != nil && params.RequestedSchema != nil {
		if err := validateAgainstSchema(result.Content, params.RequestedSchema); err != nil {
			return nil, fmt.Errorf("elicitation content does not match requested schema: %w", err)
		}
	}
	return &result, nil
}

// InitializeParams returns the initialization parameters
func (ss *ServerSession) InitializeParams() *protocol.InitializeParams {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.InitializeParams
}

// CallToolRequest represents one tool invocation. Handlers use it to
// reach back into the session: reporting progress and eliciting input
// from the user mid-call.
type CallToolRequest struct {
	// Session is the current session
	Session *ServerSession

	// Params are the original parameters
	Params *protocol.CallToolParams

	// taskID is set when the call runs as a task.
	taskID string

	elicitMu     sync.Mutex
	elicitActive bool
}

// TaskID returns the ID of the task this call runs under, or "" for a
// plain synchronous call.
func (r *CallToolRequest) TaskID() string {
	return r.taskID
}

// ReportProgress reports handler progress. For task calls it updates the
// task record and fans out a progress notification; for synchronous
// calls the notification is sent directly.
func (r *CallToolRequest) ReportProgress(ctx context.Context, progress, total float64, message string) error {
	if r.taskID != "" {
		return r.Session.server.tasks.ReportProgress(r.taskID, progress, total, message)
	}
	return r.Session.conn.SendNotification(ctx, protocol.NotificationProgress, &protocol.ProgressNotificationParams{
		Progress: progress,
		Total:    total,
		Message:  message,
	})
}

// Elicit pauses the call and asks the connected user for input. Only one
// elicitation may be outstanding per invocation.
func (r *CallToolRequest) Elicit(ctx context.Context, message string, requestedSchema protocol.JSONSchema) (*protocol.ElicitationResult, error) {
	r.elicitMu.Lock()
	if r.elicitActive {
		r.elicitMu.Unlock()
		return nil, fmt.Errorf("an elicitation is already in progress for this call")
	}
	r.elicitActive = true
	r.elicitMu.Unlock()

	defer func() {
		r.elicitMu.Lock()
		r.elicitActive = false
		r.elicitMu.Unlock()
	}()

	return r.Session.Elicit(ctx, &protocol.ElicitationCreateParams{
		Message:         message,
		RequestedSchema: requestedSchema,
	})
}

// ToolHandler is a tool handler function.
// It receives a CallToolRequest and can reach the session via req.Session.
type ToolHandler func(ctx context.Context, req *CallToolRequest) (*protocol.CallToolResult, error)

// ========== connAdapter: Adapts transport.Connection to server.Connection ==========

// pendingRequest represents a pending request
type pendingRequest struct {
	method   string
	response chan *protocol.JSONRPCMessage
	err      chan error
}

// connAdapter adapts transport.Connection to server.Connection
type connAdapter struct {
	conn transport.Connection

	mu      sync.Mutex
	pending map[string]*pendingRequest
	nextID  int64
}

func newConnAdapter(conn transport.Connection) *connAdapter {
	return &connAdapter{
		conn:    conn,
		pending: make(map[string]*pendingRequest),
	}
}

func (a *connAdapter) SendNotification(ctx context.Context, method string, params interface{}) error {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	msg := &protocol.JSONRPCMessage{
		JSONRPC: "2.0",
		Method:  method,
		Params:  json.RawMessage(paramsBytes),
	}

	return a.conn.Write(ctx, msg)
}

func (a *connAdapter) SendRequest(ctx context.Context, method string, params interface{}, result interface{}) error {
	a.mu.Lock()
	a.nextID++
	id := strconv.FormatInt(a.nextID, 10)
	a.mu.Unlock()

	idJSON, _ := json.Marshal(id)
	msg := &protocol.JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      idJSON,
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsJSON
	}

	pending := &pendingRequest{
		method:   method,
		response: make(chan *protocol.JSONRPCMessage, 1),
		err:      make(chan error, 1),
	}

	a.mu.Lock()
	a.pending[id] = pending
	a.mu.Unlock()

	if err := a.conn.Write(ctx, msg); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return ctx.Err()
	case err := <-pending.err:
		return err
	case resp := <-pending.response:
		if resp.Error != nil {
			return fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
		}

		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to unmarshal result: %w", err)
			}
		}

		return nil
	}
}

func (a *connAdapter) Close() error {
	// Clean up all pending requests
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]*pendingRequest)
	a.mu.Unlock()

	// Notify all pending requests that the connection is closed
	for _, req := range pending {
		select {
		case req.err <- fmt.Errorf("connection closed"):
		default:
		}
	}

	return a.conn.Close()
}

// handleResponse handles response messages from the client
func (a *connAdapter) handleResponse(msg *protocol.JSONRPCMessage) {
	if msg.ID == nil {
		return
	}

	id := protocol.IDToString(msg.ID)
	if id == "" {
		return
	}

	a.mu.Lock()
	pending, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !ok {
		return
	}

	if msg.Error != nil {
		pending.err <- fmt.Errorf("RPC error %d: %s", msg.Error.Code, msg.Error.Message)
	} else {
		pending.response <- msg
	}
}

func (a *connAdapter) SessionID() string {
	return a.conn.SessionID()
}

// startKeepalive starts the keepalive mechanism
func (ss *ServerSession) startKeepalive(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	ss.mu.Lock()
	ss.keepaliveCancel = cancel
	ss.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, interval)
				err := ss.Ping(pingCtx)
				cancel()

				if err != nil {
					// Ping failed, close the connection
					_ = ss.Close()
					return
				}
			}
		}
	}()
}
