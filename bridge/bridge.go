package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/voocel/taskrpc/protocol"
)

// directiveKey is the reserved field a sandbox result uses to request a
// follow-up tool call.
const directiveKey = "mcp_call"

// Directive names a tool and the arguments of a follow-up call.
type Directive struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCaller issues tool calls on an established session.
// *client.ClientSession satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*protocol.CallToolResult, error)
}

// Outcome is everything a bridge run observed: the sandbox execution,
// the directive if one was present, and the follow-up call's result or
// failure.
type Outcome struct {
	Sandbox   *ExecuteResult
	Directive *Directive

	// FollowUp holds the follow-up call's result when a directive ran.
	FollowUp *protocol.CallToolResult
	// FollowUpErr holds the follow-up call's failure. The sandbox
	// outcome is still reported alongside it.
	FollowUpErr error
}

// Bridge executes code in the sandbox and performs at most one
// directive-driven follow-up call on the session.
type Bridge struct {
	sandbox *SandboxClient
	tools   ToolCaller
	logger  *slog.Logger
}

func New(sandbox *SandboxClient, tools ToolCaller, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sandbox: sandbox,
		tools:   tools,
		logger:  logger,
	}
}

// Run submits code to the sandbox and, if its result embeds a directive,
// issues exactly one follow-up tool call. A directive inside the
// follow-up call's own result is never chained.
func (b *Bridge) Run(ctx context.Context, code string) (*Outcome, error) {
	execResult, err := b.sandbox.Execute(ctx, code)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Sandbox: execResult}
	if !execResult.OK() {
		return outcome, nil
	}

	directive, ok := ExtractDirective(execResult.Result)
	if !ok {
		return outcome, nil
	}
	outcome.Directive = directive

	b.logger.Info("bridging directive into tool call", "tool", directive.Tool)

	result, err := b.tools.CallTool(ctx, directive.Tool, directive.Arguments)
	if err != nil {
		// Rejections and transport faults are part of the reported
		// outcome, not a failure of the bridge itself.
		b.logger.Warn("follow-up call failed", "tool", directive.Tool, "error", err)
		outcome.FollowUpErr = err
		return outcome, nil
	}

	outcome.FollowUp = result
	return outcome, nil
}

// ExtractDirective looks for the reserved directive field in a value.
// Only an object with a well-formed directive under the key counts;
// anything else is not a directive.
func ExtractDirective(value any) (*Directive, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	raw, ok := obj[directiveKey]
	if !ok {
		return nil, false
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil || d.Tool == "" {
		return nil, false
	}
	return &d, true
}
