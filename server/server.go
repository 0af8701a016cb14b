package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/transport"
)

// DefaultSyncThreshold is how long an optional-task call may run before
// the server stops waiting and hands the client a task instead.
const DefaultSyncThreshold = 50 * time.Millisecond

// Server hosts a tool registry and a task manager and serves one or
// more sessions over any transport.
type Server struct {
	impl  *protocol.ServerInfo
	opts  ServerOptions
	tasks *TaskManager

	mu          sync.Mutex
	middlewares []Middleware // Middleware chain
	tools       map[string]*serverTool
	sessions    []*ServerSession
}

type ServerOptions struct {
	// Optional client instructions
	Instructions string

	// Initialized handler function
	InitializedHandler func(context.Context, *ServerSession)

	// KeepAlive defines the interval for periodic "ping" requests.
	// If the peer fails to respond to a keepalive ping, the session
	// will be closed automatically.
	KeepAlive time.Duration

	// SyncThreshold bounds how long an optional-task call may finish
	// synchronously. Zero uses DefaultSyncThreshold; negative disables
	// immediate returns entirely.
	SyncThreshold time.Duration

	// TaskTTL is how long terminal tasks stay queryable. Zero uses
	// DefaultTaskTTL.
	TaskTTL time.Duration

	// Logger receives server-side events. Nil uses slog.Default.
	Logger *slog.Logger
}

type serverTool struct {
	tool    *protocol.Tool
	handler ToolHandler
}

func NewServer(impl *protocol.ServerInfo, opts *ServerOptions) *Server {
	s := &Server{
		impl:     impl,
		tools:    make(map[string]*serverTool),
		sessions: make([]*ServerSession, 0),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Logger == nil {
		s.opts.Logger = slog.Default()
	}
	if s.opts.SyncThreshold == 0 {
		s.opts.SyncThreshold = DefaultSyncThreshold
	}
	s.tasks = NewTaskManager(s.opts.TaskTTL, s.opts.Logger)
	return s
}

// Tasks exposes the server's task manager.
func (s *Server) Tasks() *TaskManager {
	return s.tasks
}

// AddTool adds a tool to the server (low-level API). The Tool must not
// be modified after this call. Registering a name twice is a programming
// mistake and panics, like the other setup errors.
//
// The tool's input schema must be non-nil and have type "object". It is
// the caller's responsibility to deserialize and validate arguments and
// to populate the result. Most users should use the top-level function
// [AddTool], which handles all of that.
func (s *Server) AddTool(t *protocol.Tool, h ToolHandler) {
	if t.InputSchema == nil {
		panic(fmt.Errorf("AddTool %q: missing input schema", t.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[t.Name]; exists {
		panic(fmt.Errorf("AddTool %q: duplicate tool name", t.Name))
	}

	wrappedHandler := applyMiddleware(h, s.middlewares)

	s.tools[t.Name] = &serverTool{
		tool:    t,
		handler: wrappedHandler,
	}

	s.notifyToolListChanged()
}

func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[name]; exists {
		delete(s.tools, name)
		s.notifyToolListChanged()
	}
}

// Run runs the server on the given transport, serving a single session.
//
// Run blocks until the client terminates the connection or the provided
// context is cancelled. If the context is cancelled, Run closes the
// connection.
func (s *Server) Run(ctx context.Context, t transport.Transport) error {
	ss, err := s.Connect(ctx, t)
	if err != nil {
		return err
	}

	ssClosed := make(chan error)
	go func() {
		ssClosed <- ss.Wait()
	}()

	select {
	case <-ctx.Done():
		ss.Close()
		<-ssClosed // Wait for goroutine to finish
		return ctx.Err()
	case err := <-ssClosed:
		return err
	}
}

// Connect connects the server via the given transport and starts
// processing messages.
//
// It returns a session object that can be used to terminate the
// connection (using Close) or wait for the client to terminate (using
// Wait).
func (s *Server) Connect(ctx context.Context, t transport.Transport) (*ServerSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport connect failed: %w", err)
	}

	ss := &ServerSession{
		server:          s,
		conn:            newConnAdapter(conn),
		waitErr:         make(chan error, 1),
		pendingRequests: make(map[string]context.CancelFunc),
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, ss)
	s.mu.Unlock()

	// Start message processing loop
	go func() {
		err := s.handleConnection(ctx, ss, ss.conn)
		ss.waitErr <- err
		close(ss.waitErr)
	}()

	return ss, nil
}

// handleConnection handles the message loop for a connection.
func (s *Server) handleConnection(ctx context.Context, ss *ServerSession, conn Connection) error {
	defer func() {
		s.disconnect(ss)
		conn.Close()
	}()

	// Get the underlying connAdapter for handling response messages
	adapter, ok := conn.(*connAdapter)
	if !ok {
		return fmt.Errorf("invalid connection type")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := adapter.conn.Read(ctx)
		if err != nil {
			return err
		}

		// Responses to server-initiated requests route back to the adapter.
		if msg.Method == "" && msg.ID != nil {
			adapter.handleResponse(msg)
			continue
		}

		if msg.ID == nil {
			_ = s.handleNotification(ctx, ss, msg.Method, msg.Params)
			continue
		}

		// Requests run on their own goroutines: a tool call may block on
		// an elicitation whose response arrives on this same loop.
		go func(msg *protocol.JSONRPCMessage) {
			response := s.handleMessage(ctx, ss, msg)
			if response != nil {
				if err := adapter.conn.Write(ctx, response); err != nil {
					s.opts.Logger.Error("failed to write response",
						slog.String("method", msg.Method),
						slog.String("error", err.Error()),
					)
				}
			}
		}(msg)
	}
}

// handleMessage handles a single JSON-RPC request and builds the response.
func (s *Server) handleMessage(ctx context.Context, ss *ServerSession, msg *protocol.JSONRPCMessage) *protocol.JSONRPCMessage {
	requestID := protocol.IDToString(msg.ID)
	requestCtx, cancel := context.WithCancel(ctx)

	ss.mu.Lock()
	ss.pendingRequests[requestID] = cancel
	ss.mu.Unlock()

	defer func() {
		ss.mu.Lock()
		delete(ss.pendingRequests, requestID)
		ss.mu.Unlock()
		cancel()
	}()

	result, err := s.handleRequest(requestCtx, ss, msg.Method, msg.Params)
	if err != nil {
		return &protocol.JSONRPCMessage{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   toRPCError(err),
		}
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return &protocol.JSONRPCMessage{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error: &protocol.JSONRPCError{
				Code:    protocol.InternalError,
				Message: fmt.Sprintf("failed to marshal result: %v", err),
			},
		}
	}

	return &protocol.JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Result:  json.RawMessage(resultBytes),
	}
}

// toRPCError preserves structured RPC errors and wraps everything else
// as an internal error.
func toRPCError(err error) *protocol.JSONRPCError {
	var rpcErr *protocol.JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &protocol.JSONRPCError{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

func (s *Server) disconnect(ss *ServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, session := range s.sessions {
		if session == ss {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
}

// notifyToolListChanged notifies all sessions that the tool list has changed
func (s *Server) notifyToolListChanged() {
	for _, ss := range s.sessions {
		_ = ss.conn.SendNotification(context.Background(), protocol.NotificationToolsListChanged, &protocol.ToolListChangedParams{})
	}
}

// handleRequest handles requests from the client
func (s *Server) handleRequest(ctx context.Context, ss *ServerSession, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case protocol.MethodInitialize:
		return s.handleInitialize(ctx, ss, params)
	case protocol.MethodPing:
		return &protocol.EmptyResult{}, nil
	case protocol.MethodToolsList:
		return s.handleListTools(ctx, ss, params)
	case protocol.MethodToolsCall:
		return s.handleCallTool(ctx, ss, params)
	case protocol.MethodTasksGet:
		return s.handleGetTask(ctx, ss, params)
	case protocol.MethodTasksResult:
		return s.handleTaskResult(ctx, ss, params)
	case protocol.MethodTasksCancel:
		return s.handleCancelTask(ctx, ss, params)
	case protocol.MethodTasksList:
		return s.handleListTasks(ctx, ss, params)
	default:
		return nil, &protocol.JSONRPCError{
			Code:    protocol.MethodNotFound,
			Message: fmt.Sprintf("unknown method: %s", method),
		}
	}
}

// handleNotification handles notifications from the client
func (s *Server) handleNotification(ctx context.Context, ss *ServerSession, method string, params json.RawMessage) error {
	switch method {
	case protocol.NotificationInitialized:
		return s.handleInitialized(ctx, ss, params)
	case protocol.NotificationCancelled:
		return s.handleCancelled(ctx, ss, params)
	default:
		return fmt.Errorf("unknown notification: %s", method)
	}
}

// handleInitialize handles the initialize request
func (s *Server) handleInitialize(ctx context.Context, ss *ServerSession, params json.RawMessage) (*protocol.InitializeResult, error) {
	var req protocol.InitializeParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid initialize params: %w", err)
	}

	if !protocol.IsVersionSupported(req.ProtocolVersion) {
		return nil, fmt.Errorf("unsupported protocol version: %s (supported: %v)",
			req.ProtocolVersion, protocol.SupportedVersions())
	}

	ss.updateState(func(state *ServerSessionState) {
		state.InitializeParams = &req
	})

	capabilities := protocol.ServerCapabilities{
		Tasks: &protocol.TasksCapability{
			List:   &struct{}{},
			Cancel: &struct{}{},
		},
	}

	s.mu.Lock()
	if len(s.tools) > 0 {
		capabilities.Tools = &protocol.ToolsCapability{ListChanged: true}
	}
	s.mu.Unlock()

	return &protocol.InitializeResult{
		ProtocolVersion: req.ProtocolVersion,
		Capabilities:    capabilities,
		ServerInfo:      *s.impl,
		Instructions:    s.opts.Instructions,
	}, nil
}

// handleInitialized handles the initialized notification
func (s *Server) handleInitialized(ctx context.Context, ss *ServerSession, params json.RawMessage) error {
	var req protocol.InitializedParams
	if err := json.Unmarshal(params, &req); err != nil {
		return fmt.Errorf("invalid initialized params: %w", err)
	}

	ss.updateState(func(state *ServerSessionState) {
		state.InitializedParams = &req
	})

	if s.opts.KeepAlive > 0 {
		ss.startKeepalive(s.opts.KeepAlive)
	}

	if s.opts.InitializedHandler != nil {
		s.opts.InitializedHandler(ctx, ss)
	}

	return nil
}

// handleListTools handles the tools/list request
func (s *Server) handleListTools(ctx context.Context, ss *ServerSession, params json.RawMessage) (*protocol.ListToolsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools := make([]protocol.Tool, 0, len(s.tools))
	for _, st := range s.tools {
		tools = append(tools, *st.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return &protocol.ListToolsResult{
		Tools: tools,
	}, nil
}

// handleCallTool handles the tools/call request: it enforces the tool's
// task mode, runs plain calls inline, and turns task calls into tracked
// tasks with an optional immediate result.
func (s *Server) handleCallTool(ctx context.Context, ss *ServerSession, params json.RawMessage) (interface{}, error) {
	var req protocol.CallToolParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid call tool params: %w", err)
	}

	s.mu.Lock()
	st, exists := s.tools[req.Name]
	s.mu.Unlock()

	if !exists {
		return nil, &protocol.JSONRPCError{
			Code:    protocol.CodeUnknownTool,
			Message: fmt.Sprintf("unknown tool: %s", req.Name),
		}
	}

	mode := st.tool.Mode()
	asTask := req.Task != nil

	if asTask && mode == protocol.TaskSupportNone {
		return nil, &protocol.JSONRPCError{
			Code:    protocol.CodeToolRejected,
			Message: fmt.Sprintf("tool %q does not support task execution", req.Name),
		}
	}
	if !asTask && mode == protocol.TaskSupportRequired {
		return nil, &protocol.JSONRPCError{
			Code:    protocol.CodeToolRejected,
			Message: fmt.Sprintf("tool %q requires task execution", req.Name),
		}
	}

	if !asTask {
		toolReq := &CallToolRequest{
			Session: ss,
			Params:  &req,
		}
		result, err := st.handler(ctx, toolReq)
		if err != nil {
			var te *ToolError
			if errors.As(err, &te) {
				return te.ToResult(), nil
			}
			return nil, err
		}
		return result, nil
	}

	return s.startTaskCall(ctx, ss, st, &req, mode)
}

// startTaskCall creates the task, launches the handler, and decides
// whether to hand back the result immediately or just the task handle.
func (s *Server) startTaskCall(ctx context.Context, ss *ServerSession, st *serverTool, req *protocol.CallToolParams, mode protocol.TaskSupport) (*protocol.CreateTaskResult, error) {
	var ttl *int
	if req.Task != nil {
		ttl = req.Task.TTL
	}
	task := s.tasks.Create(ss, ttl)

	toolReq := &CallToolRequest{
		Session: ss,
		Params:  req,
		taskID:  task.TaskID,
	}

	// The handler outlives the tools/call request; it is cancelled by
	// tasks/cancel or session shutdown, not by the request context.
	runCtx, cancel := context.WithCancel(context.Background())
	s.tasks.bindCancel(task.TaskID, cancel)

	go s.runTask(runCtx, task.TaskID, st, toolReq)

	// Required-task tools never return a result inline; the work is
	// assumed to outlast any reasonable synchronous wait.
	if mode == protocol.TaskSupportOptional && s.opts.SyncThreshold > 0 {
		waitCtx, waitCancel := context.WithTimeout(ctx, s.opts.SyncThreshold)
		done, err := s.tasks.Await(waitCtx, task.TaskID, "")
		waitCancel()
		if err == nil && done.State == protocol.TaskStateCompleted {
			result, rerr := s.tasks.Result(task.TaskID)
			if rerr == nil {
				return &protocol.CreateTaskResult{
					Task:                *done,
					ReturnedImmediately: true,
					Result:              result,
				}, nil
			}
		}
	}

	snapshot, _, err := s.tasks.Status(task.TaskID)
	if err != nil {
		return nil, err
	}
	return &protocol.CreateTaskResult{Task: *snapshot}, nil
}

// runTask drives one task call from running to a terminal state.
func (s *Server) runTask(ctx context.Context, taskID string, st *serverTool, toolReq *CallToolRequest) {
	if err := s.tasks.Transition(taskID, protocol.TaskStateRunning, ""); err != nil {
		// Cancelled before it ever started.
		return
	}

	result, err := st.handler(ctx, toolReq)
	if err != nil {
		if ctx.Err() != nil {
			// The task was cancelled; the terminal state is already set.
			return
		}
		var te *ToolError
		if errors.As(err, &te) {
			_ = s.tasks.Complete(taskID, te.ToResult())
			return
		}
		if ferr := s.tasks.Fail(taskID, err.Error()); ferr != nil {
			s.opts.Logger.Warn("task already terminal",
				slog.String("task", taskID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := s.tasks.Complete(taskID, result); err != nil {
		s.opts.Logger.Warn("task already terminal", slog.String("task", taskID))
	}
}

// handleGetTask handles the tasks/get request
func (s *Server) handleGetTask(ctx context.Context, ss *ServerSession, params json.RawMessage) (*protocol.GetTaskResult, error) {
	var req protocol.GetTaskParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid get task params: %w", err)
	}

	task, progress, err := s.tasks.Status(req.TaskID)
	if err != nil {
		return nil, &protocol.JSONRPCError{
			Code:    protocol.CodeUnknownTask,
			Message: err.Error(),
		}
	}
	return &protocol.GetTaskResult{
		Task:         *task,
		LastProgress: progress,
	}, nil
}

// handleTaskResult handles the tasks/result request
func (s *Server) handleTaskResult(ctx context.Context, ss *ServerSession, params json.RawMessage) (*protocol.CallToolResult, error) {
	var req protocol.TaskResultParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid task result params: %w", err)
	}

	result, err := s.tasks.Result(req.TaskID)
	if err != nil {
		if IsNotReady(err) {
			return nil, &protocol.JSONRPCError{
				Code:    protocol.CodeNotReady,
				Message: err.Error(),
			}
		}
		return nil, &protocol.JSONRPCError{
			Code:    protocol.CodeUnknownTask,
			Message: err.Error(),
		}
	}
	return result, nil
}

// handleCancelTask handles the tasks/cancel request
func (s *Server) handleCancelTask(ctx context.Context, ss *ServerSession, params json.RawMessage) (*protocol.CancelTaskResult, error) {
	var req protocol.CancelTaskParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid cancel task params: %w", err)
	}

	task, err := s.tasks.Cancel(req.TaskID, req.Reason)
	if err != nil {
		if _, _, serr := s.tasks.Status(req.TaskID); serr != nil {
			return nil, &protocol.JSONRPCError{
				Code:    protocol.CodeUnknownTask,
				Message: serr.Error(),
			}
		}
		return nil, &protocol.JSONRPCError{
			Code:    protocol.InvalidRequest,
			Message: err.Error(),
		}
	}
	return &protocol.CancelTaskResult{Task: *task}, nil
}

// handleListTasks handles the tasks/list request
func (s *Server) handleListTasks(ctx context.Context, ss *ServerSession, params json.RawMessage) (*protocol.ListTasksResult, error) {
	return &protocol.ListTasksResult{
		Tasks: s.tasks.List(),
	}, nil
}

// handleCancelled handles the notifications/cancelled notification
func (s *Server) handleCancelled(ctx context.Context, ss *ServerSession, params json.RawMessage) error {
	var req protocol.CancelledNotificationParams
	if err := json.Unmarshal(params, &req); err != nil {
		return fmt.Errorf("invalid cancelled params: %w", err)
	}

	requestID := ""
	switch v := req.RequestID.(type) {
	case string:
		requestID = v
	case float64:
		requestID = fmt.Sprintf("%.0f", v)
	case json.Number:
		requestID = v.String()
	default:
		return fmt.Errorf("invalid requestId type: %T", req.RequestID)
	}

	ss.mu.Lock()
	cancel, exists := ss.pendingRequests[requestID]
	ss.mu.Unlock()

	if exists {
		cancel()
	}

	// Return nil even if the request doesn't exist; it may have already
	// completed.
	return nil
}

// Close shuts the server down: all sessions are closed and the task
// manager stops sweeping.
func (s *Server) Close() error {
	s.mu.Lock()
	sessions := make([]*ServerSession, len(s.sessions))
	copy(sessions, s.sessions)
	s.mu.Unlock()

	for _, ss := range sessions {
		_ = ss.Close()
	}
	s.tasks.Close()
	return nil
}
