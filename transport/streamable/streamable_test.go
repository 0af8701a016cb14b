package streamable_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voocel/taskrpc/client"
	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/server"
	"github.com/voocel/taskrpc/transport/streamable"
)

func newTestServer() *server.Server {
	srv := server.NewServer(&protocol.ServerInfo{Name: "http-test", Version: "0.1.0"}, nil)

	type Input struct {
		Name string `json:"name"`
	}
	server.AddTool[Input, any](srv, &protocol.Tool{
		Name: "hello",
	}, func(ctx context.Context, req *server.CallToolRequest, input Input) (*protocol.CallToolResult, any, error) {
		return server.TextResult("Hello, " + input.Name + "!"), nil, nil
	})

	server.AddTool[any, any](srv, &protocol.Tool{
		Name:      "background",
		Execution: &protocol.ToolExecution{TaskSupport: protocol.TaskSupportRequired},
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		_ = req.ReportProgress(ctx, 1, 1, "working")
		return server.TextResult("finished"), nil, nil
	})

	return srv
}

func startHandler(t *testing.T, options ...streamable.HandlerOption) *httptest.Server {
	t.Helper()
	srv := newTestServer()
	handler := streamable.NewHTTPHandler(func(r *http.Request) *server.Server { return srv }, options...)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		handler.Close()
	})
	return ts
}

func dial(t *testing.T, ctx context.Context, endpoint string, options ...streamable.ClientOption) *client.ClientSession {
	t.Helper()
	ct, err := streamable.NewClientTransport(endpoint, options...)
	if err != nil {
		t.Fatalf("transport setup failed: %v", err)
	}
	c := client.NewClient(&client.ClientInfo{Name: "http-client", Version: "0.1.0"}, nil)
	cs, err := c.Connect(ctx, ct)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestHTTPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := startHandler(t)
	cs := dial(t, ctx, ts.URL)

	if cs.ID() == "" {
		t.Fatal("expected a session id from the initialize response")
	}

	result, err := cs.CallTool(ctx, "hello", map[string]any{"name": "http"})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result.Text() != "Hello, http!" {
		t.Fatalf("unexpected result: %q", result.Text())
	}
}

func TestHTTPTaskOverSSE(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startHandler(t)
	cs := dial(t, ctx, ts.URL)

	handle, err := cs.CallToolAsTask(ctx, "background", nil, nil)
	if err != nil {
		t.Fatalf("task call failed: %v", err)
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
	if result.Text() != "finished" {
		t.Fatalf("unexpected result: %q", result.Text())
	}
}

func TestHTTPBearerAuth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := startHandler(t, streamable.WithBearerTokens([]string{"secret"}))

	ct, err := streamable.NewClientTransport(ts.URL)
	if err != nil {
		t.Fatalf("transport setup failed: %v", err)
	}
	c := client.NewClient(&client.ClientInfo{Name: "http-client", Version: "0.1.0"}, nil)
	_, err = c.Connect(ctx, ct)
	if err == nil {
		t.Fatal("expected connect without token to fail")
	}
	var rpcErr *protocol.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected unauthorized code, got %v", err)
	}

	cs := dial(t, ctx, ts.URL, streamable.WithBearerToken("secret"))
	result, err := cs.CallTool(ctx, "hello", map[string]any{"name": "auth"})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result.Text() != "Hello, auth!" {
		t.Fatalf("unexpected result: %q", result.Text())
	}
}

func TestHTTPRejectsUnknownSession(t *testing.T) {
	ts := startHandler(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	if err != nil {
		t.Fatalf("request setup failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(streamable.SessionIDHeader, "nonexistent")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProbe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := startHandler(t, streamable.WithBearerTokens([]string{"secret"}))

	// Without a token the endpoint answers 401; the probe reports the raw
	// exchange instead of failing the handshake.
	result, err := streamable.Probe(ctx, ts.URL)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", result.StatusCode)
	}
	if result.Headers.Get("WWW-Authenticate") == "" {
		t.Fatal("expected a WWW-Authenticate header")
	}
}

func TestResponseWriteDuringStreamTeardown(t *testing.T) {
	// A response being written while the client disconnect tears the
	// stream down must not wedge the session.
	for i := 0; i < 200; i++ {
		st := streamable.NewServerTransport("session")
		conn, err := st.Connect(context.Background())
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		st.RegisterStream("stream-1", map[string]struct{}{"req-1": {}},
			func(data []byte, final bool) error { return nil })

		response := &protocol.JSONRPCMessage{
			JSONRPC: "2.0",
			ID:      json.RawMessage(`"req-1"`),
			Result:  json.RawMessage(`{}`),
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.UnregisterStream("stream-1")
		}()
		go func() {
			defer wg.Done()
			_ = conn.Write(context.Background(), response)
		}()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("write and stream teardown deadlocked")
		}
		_ = st.Close()
	}
}

func TestServerRequestWithoutStandaloneStream(t *testing.T) {
	// A JSON-only client never opens a standalone GET stream. A
	// server-initiated request has nowhere to go then, and writing it
	// must fail so the caller is not left waiting for an answer.
	st := streamable.NewServerTransport("session")
	conn, err := st.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer st.Close()

	request := &protocol.JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`"elicit-1"`),
		Method:  "elicitation/create",
		Params:  json.RawMessage(`{}`),
	}
	if err := conn.Write(context.Background(), request); err == nil {
		t.Fatal("expected write of a server request to fail without a standalone stream")
	}

	// Notifications are best-effort and may be dropped silently.
	notification := &protocol.JSONRPCMessage{
		JSONRPC: "2.0",
		Method:  "notifications/task/progress",
		Params:  json.RawMessage(`{}`),
	}
	if err := conn.Write(context.Background(), notification); err != nil {
		t.Fatalf("notification write failed: %v", err)
	}
}
