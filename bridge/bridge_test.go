package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voocel/taskrpc/protocol"
)

type recordingCaller struct {
	calls   []Directive
	result  *protocol.CallToolResult
	callErr error
}

func (c *recordingCaller) CallTool(ctx context.Context, name string, arguments map[string]any) (*protocol.CallToolResult, error) {
	c.calls = append(c.calls, Directive{Tool: name, Arguments: arguments})
	if c.callErr != nil {
		return nil, c.callErr
	}
	return c.result, nil
}

func sandboxStub(t *testing.T, result ExecuteResult) *SandboxClient {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["code"])
		require.NoError(t, json.NewEncoder(w).Encode(result))
	}))
	t.Cleanup(ts.Close)
	return NewSandboxClient(ts.URL)
}

func TestExtractDirective(t *testing.T) {
	d, ok := ExtractDirective(map[string]any{
		"mcp_call": map[string]any{
			"tool":      "hello_name",
			"arguments": map[string]any{"name": "X"},
		},
	})
	require.True(t, ok)
	assert.Equal(t, "hello_name", d.Tool)
	assert.Equal(t, map[string]any{"name": "X"}, d.Arguments)

	// Non-objects and unrelated objects carry no directive.
	for _, value := range []any{nil, "text", 42, []any{"a"}, map[string]any{"other": 1}} {
		_, ok := ExtractDirective(value)
		assert.False(t, ok, "value %v", value)
	}

	// A malformed directive is ignored rather than guessed at.
	_, ok = ExtractDirective(map[string]any{"mcp_call": map[string]any{"arguments": map[string]any{}}})
	assert.False(t, ok)
}

func TestBridgeFollowUpCall(t *testing.T) {
	sandbox := sandboxStub(t, ExecuteResult{
		Status: "ok",
		Logs:   []string{"ran"},
		Result: map[string]any{
			"mcp_call": map[string]any{
				"tool":      "hello_name",
				"arguments": map[string]any{"name": "X"},
			},
		},
	})

	caller := &recordingCaller{
		// The follow-up result itself embeds a directive; it must not chain.
		result: &protocol.CallToolResult{
			StructuredContent: map[string]any{
				"mcp_call": map[string]any{"tool": "hello_name", "arguments": map[string]any{"name": "Y"}},
			},
		},
	}

	b := New(sandbox, caller, nil)
	outcome, err := b.Run(context.Background(), `print("hi")`)
	require.NoError(t, err)

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "hello_name", caller.calls[0].Tool)
	assert.Equal(t, map[string]any{"name": "X"}, caller.calls[0].Arguments)

	require.NotNil(t, outcome.Directive)
	assert.Equal(t, "hello_name", outcome.Directive.Tool)
	assert.Same(t, caller.result, outcome.FollowUp)
	assert.NoError(t, outcome.FollowUpErr)
}

func TestBridgeNoDirective(t *testing.T) {
	sandbox := sandboxStub(t, ExecuteResult{
		Status: "ok",
		Result: map[string]any{"value": 42},
	})

	caller := &recordingCaller{}
	b := New(sandbox, caller, nil)

	outcome, err := b.Run(context.Background(), "1 + 1")
	require.NoError(t, err)
	assert.Empty(t, caller.calls)
	assert.Nil(t, outcome.Directive)
	assert.Nil(t, outcome.FollowUp)
}

func TestBridgeSandboxError(t *testing.T) {
	sandbox := sandboxStub(t, ExecuteResult{
		Status: "error",
		Error:  "NameError: boom",
	})

	caller := &recordingCaller{}
	b := New(sandbox, caller, nil)

	outcome, err := b.Run(context.Background(), "boom")
	require.NoError(t, err)
	assert.Empty(t, caller.calls)
	assert.False(t, outcome.Sandbox.OK())
	assert.Equal(t, "NameError: boom", outcome.Sandbox.Error)
}

func TestBridgeFollowUpRejection(t *testing.T) {
	sandbox := sandboxStub(t, ExecuteResult{
		Status: "ok",
		Result: map[string]any{
			"mcp_call": map[string]any{"tool": "missing"},
		},
	})

	rejection := &protocol.JSONRPCError{Code: protocol.CodeUnknownTool, Message: "unknown tool"}
	caller := &recordingCaller{callErr: rejection}
	b := New(sandbox, caller, nil)

	outcome, err := b.Run(context.Background(), "x")
	require.NoError(t, err, "a rejected follow-up is an outcome, not a bridge failure")
	require.Len(t, caller.calls, 1)
	assert.ErrorIs(t, outcome.FollowUpErr, rejection)
	assert.True(t, outcome.Sandbox.OK())
}

func TestSandboxTransportFailure(t *testing.T) {
	// Point at a closed server so the POST fails outright.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	sandbox := NewSandboxClient(ts.URL)
	result, err := sandbox.Execute(context.Background(), "x")
	require.NoError(t, err, "transport failures are folded into the outcome")
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "sandbox unreachable")
}

func TestSandboxNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	sandbox := NewSandboxClient(ts.URL)
	result, err := sandbox.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "503")
}
