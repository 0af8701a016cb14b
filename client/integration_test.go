package client_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voocel/taskrpc/client"
	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/server"
	"github.com/voocel/taskrpc/transport"
)

type inMemoryTransport struct {
	conn transport.Connection
}

func (t *inMemoryTransport) Connect(ctx context.Context) (transport.Connection, error) {
	return t.conn, nil
}

type inMemoryConn struct {
	incoming chan *protocol.JSONRPCMessage
	done     chan struct{}
	closed   atomic.Bool
	peer     *inMemoryConn
	session  string
}

func newInMemoryConn(session string) *inMemoryConn {
	return &inMemoryConn{
		incoming: make(chan *protocol.JSONRPCMessage, 64),
		done:     make(chan struct{}),
		session:  session,
	}
}

func newInMemoryTransportPair() (clientT transport.Transport, serverT transport.Transport) {
	c1 := newInMemoryConn("client")
	c2 := newInMemoryConn("server")
	c1.peer = c2
	c2.peer = c1
	return &inMemoryTransport{conn: c1}, &inMemoryTransport{conn: c2}
}

func (c *inMemoryConn) Read(ctx context.Context) (*protocol.JSONRPCMessage, error) {
	if c.closed.Load() {
		return nil, transport.ErrConnectionClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, transport.ErrConnectionClosed
	case msg := <-c.incoming:
		return msg, nil
	}
}

func (c *inMemoryConn) Write(ctx context.Context, msg *protocol.JSONRPCMessage) error {
	if c.closed.Load() {
		return transport.ErrConnectionClosed
	}
	peer := c.peer
	if peer == nil {
		return transport.ErrConnectionClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-peer.done:
		return transport.ErrConnectionClosed
	case peer.incoming <- msg:
		return nil
	}
}

func (c *inMemoryConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return nil
}

func (c *inMemoryConn) SessionID() string {
	return c.session
}

// connect wires a server and client over an in-memory pair.
func connect(t *testing.T, ctx context.Context, srv *server.Server, opts *client.ClientOptions) (*server.ServerSession, *client.ClientSession) {
	t.Helper()

	clientT, serverT := newInMemoryTransportPair()

	ss, err := srv.Connect(ctx, serverT)
	if err != nil {
		t.Fatalf("server connect failed: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	c := client.NewClient(&client.ClientInfo{Name: "test-client", Version: "0.1.0"}, opts)
	cs, err := c.Connect(ctx, clientT)
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	return ss, cs
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	var rpcErr *protocol.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected a JSON-RPC error, got %T: %v", err, err)
	}
	return rpcErr.Code
}

func TestInitializeAndToolCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{
		Name:    "test-server",
		Version: "1.0.0",
	}, nil)

	type Input struct {
		Name string `json:"name"`
	}
	type Output struct {
		Greeting string `json:"greeting"`
	}

	server.AddTool[Input, Output](srv, &protocol.Tool{
		Name:        "greet",
		Description: "greet user",
	}, func(ctx context.Context, req *server.CallToolRequest, input Input) (*protocol.CallToolResult, Output, error) {
		return nil, Output{Greeting: "hi " + input.Name}, nil
	})

	_, cs := connect(t, ctx, srv, nil)

	if cs.InitializeResult() == nil {
		t.Fatal("initialize result is nil")
	}
	if !protocol.IsVersionSupported(cs.InitializeResult().ProtocolVersion) {
		t.Fatalf("unsupported protocol version: %s", cs.InitializeResult().ProtocolVersion)
	}

	tools, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("list tools failed: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "greet" {
		t.Fatalf("unexpected tool list: %+v", tools.Tools)
	}
	if tools.Tools[0].Mode() != protocol.TaskSupportNone {
		t.Fatalf("unexpected task support: %s", tools.Tools[0].Mode())
	}

	result, err := cs.CallTool(ctx, "greet", map[string]any{"name": "bob"})
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}

	content, ok := result.StructuredContent.(map[string]any)
	if !ok {
		t.Fatalf("structured content type error: %T", result.StructuredContent)
	}
	if got, ok := content["greeting"].(string); !ok || got != "hi bob" {
		t.Fatalf("unexpected greeting: %v", content["greeting"])
	}
}

func TestUnknownToolCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)
	_, cs := connect(t, ctx, srv, nil)

	_, err := cs.CallTool(ctx, "missing", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if code := rpcCode(t, err); code != protocol.CodeUnknownTool {
		t.Fatalf("unexpected code: %d", code)
	}

	// A task-augmented call to an unknown tool must not leave a task behind.
	if _, err := cs.CallToolAsTask(ctx, "missing", nil, nil); err == nil {
		t.Fatal("expected error for unknown tool task call")
	}
	tasks, err := cs.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("tasks/list failed: %v", err)
	}
	if len(tasks.Tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks.Tasks))
	}
}

func TestTaskModeEnforcement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	server.AddTool[any, any](srv, &protocol.Tool{
		Name: "plain",
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		return server.TextResult("ok"), nil, nil
	})

	server.AddTool[any, any](srv, &protocol.Tool{
		Name:      "background",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportRequired},
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		return server.TextResult("done"), nil, nil
	})

	_, cs := connect(t, ctx, srv, nil)

	// A task-augmented call against a synchronous-only tool is rejected.
	_, err := cs.CallToolAsTask(ctx, "plain", nil, nil)
	if err == nil {
		t.Fatal("expected rejection of task call on plain tool")
	}
	if code := rpcCode(t, err); code != protocol.CodeToolRejected {
		t.Fatalf("unexpected code: %d", code)
	}

	// A synchronous call against a required-task tool is rejected.
	_, err = cs.CallTool(ctx, "background", nil)
	if err == nil {
		t.Fatal("expected rejection of sync call on required tool")
	}
	if code := rpcCode(t, err); code != protocol.CodeToolRejected {
		t.Fatalf("unexpected code: %d", code)
	}
}

func TestTaskLifecycleAndResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	type Input struct {
		Steps int `json:"steps"`
	}
	type Output struct {
		Done int `json:"done"`
	}

	server.AddTool[Input, Output](srv, &protocol.Tool{
		Name:      "work",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportRequired},
	}, func(ctx context.Context, req *server.CallToolRequest, input Input) (*protocol.CallToolResult, Output, error) {
		for i := 1; i <= input.Steps; i++ {
			if err := req.ReportProgress(ctx, float64(i), float64(input.Steps), "working"); err != nil {
				return nil, Output{}, err
			}
			time.Sleep(5 * time.Millisecond)
		}
		return nil, Output{Done: input.Steps}, nil
	})

	progressCh := make(chan protocol.ProgressNotificationParams, 16)
	_, cs := connect(t, ctx, srv, &client.ClientOptions{
		ProgressHandler: func(ctx context.Context, params *protocol.ProgressNotificationParams) {
			select {
			case progressCh <- *params:
			default:
			}
		},
	})

	handle, err := cs.CallToolAsTask(ctx, "work", map[string]any{"steps": 3}, nil)
	if err != nil {
		t.Fatalf("call tool as task failed: %v", err)
	}
	if handle.ID() == "" {
		t.Fatal("task id is empty")
	}

	task, err := handle.Wait(ctx, "")
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if task.State != protocol.TaskStateCompleted {
		t.Fatalf("unexpected terminal state: %s (%s)", task.State, task.StatusMessage)
	}

	result, err := handle.Result(ctx)
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	content, ok := result.StructuredContent.(map[string]any)
	if !ok {
		t.Fatalf("structured content type error: %T", result.StructuredContent)
	}
	if got, ok := content["done"].(float64); !ok || got != 3 {
		t.Fatalf("unexpected result: %v", content["done"])
	}

	if progress, ok := handle.Progress(); !ok || progress.Progress != 3 {
		t.Fatalf("unexpected final progress: %+v (seen=%v)", progress, ok)
	}

	// Progress never decreases.
	last := 0.0
	for {
		select {
		case p := <-progressCh:
			if p.TaskID != handle.ID() {
				continue
			}
			if p.Progress < last {
				t.Fatalf("progress went backwards: %f after %f", p.Progress, last)
			}
			last = p.Progress
		default:
			if last == 0 {
				t.Fatal("no progress notifications observed")
			}
			return
		}
	}
}

func TestWaitForTargetState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	release := make(chan struct{})
	server.AddTool[any, any](srv, &protocol.Tool{
		Name:      "blocked",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportRequired},
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		select {
		case <-release:
			return server.TextResult("done"), nil, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	})

	_, cs := connect(t, ctx, srv, nil)

	handle, err := cs.CallToolAsTask(ctx, "blocked", nil, nil)
	if err != nil {
		t.Fatalf("call tool as task failed: %v", err)
	}

	// Waiting for the running state returns while the handler is still
	// blocked.
	task, err := handle.Wait(ctx, protocol.TaskStateRunning)
	if err != nil {
		t.Fatalf("wait for running failed: %v", err)
	}
	if task.State != protocol.TaskStateRunning {
		t.Fatalf("unexpected state at target wait: %s", task.State)
	}

	close(release)

	task, err = handle.Wait(ctx, "")
	if err != nil {
		t.Fatalf("wait for terminal failed: %v", err)
	}
	if task.State != protocol.TaskStateCompleted {
		t.Fatalf("unexpected terminal state: %s (%s)", task.State, task.StatusMessage)
	}
}

func TestOptionalTaskReturnsImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, &server.ServerOptions{
		SyncThreshold: 500 * time.Millisecond,
	})

	server.AddTool[any, any](srv, &protocol.Tool{
		Name:      "quick",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportOptional},
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		return server.TextResult("fast"), nil, nil
	})

	_, cs := connect(t, ctx, srv, nil)

	handle, err := cs.CallToolAsTask(ctx, "quick", nil, nil)
	if err != nil {
		t.Fatalf("call tool as task failed: %v", err)
	}
	if !handle.ReturnedImmediately() {
		t.Fatal("expected immediate return within the sync threshold")
	}
	if handle.Snapshot().State != protocol.TaskStateCompleted {
		t.Fatalf("expected terminal snapshot, got %s", handle.Snapshot().State)
	}

	result, err := handle.Result(ctx)
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if result.Text() != "fast" {
		t.Fatalf("unexpected result text: %q", result.Text())
	}
}

func TestOptionalTaskSlowPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, &server.ServerOptions{
		SyncThreshold: 10 * time.Millisecond,
	})

	server.AddTool[any, any](srv, &protocol.Tool{
		Name:      "slow",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportOptional},
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		time.Sleep(100 * time.Millisecond)
		return server.TextResult("late"), nil, nil
	})

	_, cs := connect(t, ctx, srv, nil)

	handle, err := cs.CallToolAsTask(ctx, "slow", nil, nil)
	if err != nil {
		t.Fatalf("call tool as task failed: %v", err)
	}
	if handle.ReturnedImmediately() {
		t.Fatal("did not expect an immediate return past the sync threshold")
	}

	// Result before completion is rejected as not ready.
	if _, err := cs.TaskResult(ctx, handle.ID()); err == nil {
		t.Fatal("expected not-ready error")
	} else if code := rpcCode(t, err); code != protocol.CodeNotReady {
		t.Fatalf("unexpected code: %d", code)
	}

	result, err := handle.Result(ctx)
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if result.Text() != "late" {
		t.Fatalf("unexpected result text: %q", result.Text())
	}

	// Results of terminal tasks stay retrievable.
	again, err := cs.TaskResult(ctx, handle.ID())
	if err != nil {
		t.Fatalf("second result failed: %v", err)
	}
	if again.Text() != "late" {
		t.Fatalf("unexpected repeated result text: %q", again.Text())
	}
}

func TestTaskCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	started := make(chan struct{})
	server.AddTool[any, any](srv, &protocol.Tool{
		Name:      "forever",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportRequired},
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})

	_, cs := connect(t, ctx, srv, nil)

	handle, err := cs.CallToolAsTask(ctx, "forever", nil, nil)
	if err != nil {
		t.Fatalf("call tool as task failed: %v", err)
	}

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("handler never started")
	}

	cancelled, err := handle.Cancel(ctx, "no longer needed")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.State != protocol.TaskStateCancelled {
		t.Fatalf("unexpected state after cancel: %s", cancelled.State)
	}

	task, err := handle.Wait(ctx, "")
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if task.State != protocol.TaskStateCancelled {
		t.Fatalf("unexpected terminal state: %s", task.State)
	}

	// A cancelled task still yields a result, flagged as an error.
	result, err := cs.TaskResult(ctx, handle.ID())
	if err != nil {
		t.Fatalf("result after cancel failed: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for cancelled task")
	}

	// Cancelling a terminal task is invalid.
	if _, err := handle.Cancel(ctx, "again"); err == nil {
		t.Fatal("expected error cancelling terminal task")
	}
}

func TestUnknownTaskCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)
	_, cs := connect(t, ctx, srv, nil)

	_, err := cs.GetTask(ctx, "no-such-task")
	if err == nil {
		t.Fatal("expected error for unknown task")
	}
	if code := rpcCode(t, err); code != protocol.CodeUnknownTask {
		t.Fatalf("unexpected code: %d", code)
	}

	_, err = cs.TaskResult(ctx, "no-such-task")
	if code := rpcCode(t, err); code != protocol.CodeUnknownTask {
		t.Fatalf("unexpected code: %d", code)
	}
}

func TestListTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	server.AddTool[any, any](srv, &protocol.Tool{
		Name:      "job",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportRequired},
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		return server.TextResult("ok"), nil, nil
	})

	_, cs := connect(t, ctx, srv, nil)

	h1, err := cs.CallToolAsTask(ctx, "job", nil, nil)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	h2, err := cs.CallToolAsTask(ctx, "job", nil, nil)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if _, err := h1.Wait(ctx, ""); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if _, err := h2.Wait(ctx, ""); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	list, err := cs.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("list tasks failed: %v", err)
	}
	if len(list.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list.Tasks))
	}
	seen := map[string]bool{}
	for _, task := range list.Tasks {
		seen[task.TaskID] = true
	}
	if !seen[h1.ID()] || !seen[h2.ID()] {
		t.Fatalf("task list missing handles: %+v", list.Tasks)
	}
}

func TestElicitationRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	server.AddTool[any, any](srv, &protocol.Tool{
		Name: "confirm",
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		schema := protocol.EnumElicitationSchema("selection", "Choose an action", []string{"accept", "decline", "cancel"})
		res, err := req.Elicit(ctx, "Choose an action", schema)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case res.IsAccepted():
			selection, _ := res.Content["selection"].(string)
			return server.TextResult("Accepted: " + selection), nil, nil
		case res.IsDeclined():
			return server.TextResult("Declined!"), nil, nil
		default:
			return server.TextResult("Cancelled!"), nil, nil
		}
	})

	answers := make(chan *protocol.ElicitationResult, 3)
	_, cs := connect(t, ctx, srv, &client.ClientOptions{
		ElicitationHandler: func(ctx context.Context, params *protocol.ElicitationCreateParams) (*protocol.ElicitationResult, error) {
			if params.Message != "Choose an action" {
				t.Errorf("unexpected prompt: %q", params.Message)
			}
			return <-answers, nil
		},
	})

	answers <- protocol.NewElicitationAccept(map[string]any{"selection": "accept"})
	result, err := cs.CallTool(ctx, "confirm", nil)
	if err != nil {
		t.Fatalf("call with accept failed: %v", err)
	}
	if result.Text() != "Accepted: accept" {
		t.Fatalf("unexpected accept result: %q", result.Text())
	}

	answers <- protocol.NewElicitationDecline()
	result, err = cs.CallTool(ctx, "confirm", nil)
	if err != nil {
		t.Fatalf("call with decline failed: %v", err)
	}
	if result.Text() != "Declined!" {
		t.Fatalf("unexpected decline result: %q", result.Text())
	}

	answers <- protocol.NewElicitationCancel()
	result, err = cs.CallTool(ctx, "confirm", nil)
	if err != nil {
		t.Fatalf("call with cancel failed: %v", err)
	}
	if result.Text() != "Cancelled!" {
		t.Fatalf("unexpected cancel result: %q", result.Text())
	}
}

func TestElicitationSingleOutstanding(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	arrived := make(chan struct{})
	answer := make(chan struct{})

	server.AddTool[any, any](srv, &protocol.Tool{
		Name: "nested",
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		firstErr := make(chan error, 1)
		go func() {
			_, err := req.Elicit(ctx, "first", nil)
			firstErr <- err
		}()

		// A second elicitation while the first is still outstanding must
		// be rejected without reaching the client.
		<-arrived
		if _, err := req.Elicit(ctx, "second", nil); err == nil {
			return nil, nil, errors.New("second elicitation was not rejected")
		}

		close(answer)
		if err := <-firstErr; err != nil {
			return nil, nil, err
		}
		return server.TextResult("ok"), nil, nil
	})

	prompts := make(chan string, 2)
	_, cs := connect(t, ctx, srv, &client.ClientOptions{
		ElicitationHandler: func(ctx context.Context, params *protocol.ElicitationCreateParams) (*protocol.ElicitationResult, error) {
			prompts <- params.Message
			close(arrived)
			<-answer
			return protocol.NewElicitationAccept(nil), nil
		},
	})

	result, err := cs.CallTool(ctx, "nested", nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result.Text() != "ok" {
		t.Fatalf("unexpected result: %q", result.Text())
	}
	if got := <-prompts; got != "first" {
		t.Fatalf("unexpected prompt reached the client: %q", got)
	}
	select {
	case got := <-prompts:
		t.Fatalf("second prompt reached the client: %q", got)
	default:
	}
}

func TestElicitationWithoutCapability(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"}, nil)

	server.AddTool[any, any](srv, &protocol.Tool{
		Name: "ask",
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		_, err := req.Elicit(ctx, "anything", nil)
		if err == nil {
			return nil, nil, errors.New("expected elicitation to fail without capability")
		}
		return server.TextResult("unsupported"), nil, nil
	})

	// No ElicitationHandler, so the client does not declare the capability.
	_, cs := connect(t, ctx, srv, nil)

	result, err := cs.CallTool(ctx, "ask", nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result.Text() != "unsupported" {
		t.Fatalf("unexpected result: %q", result.Text())
	}
}

func TestShapeContent(t *testing.T) {
	schema := protocol.EnumElicitationSchema("selection", "pick one", []string{"a", "b"})

	content, err := client.ShapeContent(map[string]any{"selection": "a"}, schema)
	if err != nil {
		t.Fatalf("map shape failed: %v", err)
	}
	if content["selection"] != "a" {
		t.Fatalf("unexpected content: %v", content)
	}

	// A bare scalar fits a single-property schema positionally.
	content, err = client.ShapeContent("b", schema)
	if err != nil {
		t.Fatalf("scalar shape failed: %v", err)
	}
	if content["selection"] != "b" {
		t.Fatalf("unexpected content: %v", content)
	}

	// A struct round-trips through its JSON object form.
	type answer struct {
		Selection string `json:"selection"`
	}
	content, err = client.ShapeContent(answer{Selection: "a"}, schema)
	if err != nil {
		t.Fatalf("struct shape failed: %v", err)
	}
	if content["selection"] != "a" {
		t.Fatalf("unexpected content: %v", content)
	}

	// Values outside the enum fail validation.
	if _, err := client.ShapeContent("nope", schema); err == nil {
		t.Fatal("expected validation failure for out-of-enum value")
	}

	// A scalar cannot fit a multi-property schema.
	multi := protocol.JSONSchema{
		"type": "object",
		"properties": map[string]interface{}{
			"a": map[string]interface{}{"type": "string"},
			"b": map[string]interface{}{"type": "string"},
		},
	}
	if _, err := client.ShapeContent("x", multi); !errors.Is(err, client.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestCloseWithKeepaliveActive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := server.NewServer(&protocol.ServerInfo{Name: "test-server", Version: "1.0.0"},
		&server.ServerOptions{KeepAlive: 5 * time.Millisecond})

	// Closing a session while its keepalive loop is running must be
	// safe from another goroutine.
	for i := 0; i < 20; i++ {
		clientT, serverT := newInMemoryTransportPair()

		ss, err := srv.Connect(ctx, serverT)
		if err != nil {
			t.Fatalf("server connect failed: %v", err)
		}

		c := client.NewClient(&client.ClientInfo{Name: "test-client", Version: "0.1.0"},
			&client.ClientOptions{KeepAlive: 5 * time.Millisecond})
		cs, err := c.Connect(ctx, clientT)
		if err != nil {
			t.Fatalf("client connect failed: %v", err)
		}

		time.Sleep(2 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			cs.Close()
			close(done)
		}()
		ss.Close()
		<-done
	}
}
