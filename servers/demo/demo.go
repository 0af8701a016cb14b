// Package demo provides the demonstration toolset: a long-running task,
// an elicitation round trip, a greeting, a file upload, and sandboxed
// script execution.
package demo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voocel/taskrpc/bridge"
	"github.com/voocel/taskrpc/protocol"
	"github.com/voocel/taskrpc/server"
)

// Options configures the demo server.
type Options struct {
	// UploadDir receives files stored by receive_file.
	UploadDir string

	// Sandbox executes run_script submissions. Nil leaves the tool
	// unregistered.
	Sandbox *bridge.SandboxClient

	// SyncThreshold and TaskTTL are passed through to the server.
	SyncThreshold time.Duration
	TaskTTL       time.Duration

	Logger *slog.Logger

	// Sleep is the delay primitive of slow_task, injectable by tests.
	Sleep func(time.Duration)
}

// NewServer builds the demo server with its full toolset.
func NewServer(opts *Options) *server.Server {
	if opts == nil {
		opts = &Options{}
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := server.NewServer(&protocol.ServerInfo{
		Name:    "taskrpc-demo",
		Version: "1.0.0",
	}, &server.ServerOptions{
		Instructions:  "Demonstration tools for tasks, elicitation, uploads, and sandboxed scripts.",
		SyncThreshold: opts.SyncThreshold,
		TaskTTL:       opts.TaskTTL,
		Logger:        logger,
	})

	// Task handlers run for many seconds, so the call timeout stays off.
	server.ApplySecurityDefaults(srv, &server.SecurityDefaultsOptions{DisableTimeout: true})
	srv.Use(server.LoggingMiddleware(logger))

	registerSlowTask(srv, opts.Sleep)
	registerChooseAction(srv)
	registerHelloName(srv)
	registerReceiveFile(srv, opts.UploadDir)
	if opts.Sandbox != nil {
		registerRunScript(srv, opts.Sandbox)
	}

	return srv
}

type slowTaskInput struct {
	Duration int `json:"duration" jsonschema:"description=number of one-second work steps"`
}

func registerSlowTask(srv *server.Server, sleep func(time.Duration)) {
	server.AddTool[slowTaskInput, any](srv, &protocol.Tool{
		Name:        "slow_task",
		Description: "Performs a multi-second task, reporting progress each second",
		Execution:   &protocol.ToolExecution{TaskSupport: protocol.TaskSupportRequired},
	}, func(ctx context.Context, req *server.CallToolRequest, input slowTaskInput) (*protocol.CallToolResult, any, error) {
		duration := input.Duration
		if duration <= 0 {
			duration = 1
		}

		for i := 1; i <= duration; i++ {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			default:
			}
			message := fmt.Sprintf("Working... step %d/%d", i, duration)
			if err := req.ReportProgress(ctx, float64(i), float64(duration), message); err != nil {
				return nil, nil, err
			}
			sleep(time.Second)
		}

		return server.TextResult(fmt.Sprintf("Finished a %d-second task over HTTP", duration)), nil, nil
	})
}

func registerChooseAction(srv *server.Server) {
	server.AddTool[any, any](srv, &protocol.Tool{
		Name:        "choose_action",
		Description: "Asks the user to choose an action and reports the choice",
	}, func(ctx context.Context, req *server.CallToolRequest, input any) (*protocol.CallToolResult, any, error) {
		schema := protocol.EnumElicitationSchema("selection", "The action to take",
			[]string{"accept", "decline", "cancel"})

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
}

type helloInput struct {
	Name string `json:"name" jsonschema:"description=name to greet"`
}

func registerHelloName(srv *server.Server) {
	server.AddTool[helloInput, any](srv, &protocol.Tool{
		Name:        "hello_name",
		Description: "Greets the given name",
	}, func(ctx context.Context, req *server.CallToolRequest, input helloInput) (*protocol.CallToolResult, any, error) {
		return server.TextResult(fmt.Sprintf("Hello, %s!", input.Name)), nil, nil
	})
}

type receiveFileInput struct {
	UploadedFile map[string]any `json:"uploaded_file" jsonschema:"description=embedded resource or resource link content block"`
}

func registerReceiveFile(srv *server.Server, uploadDir string) {
	server.AddTool[receiveFileInput, any](srv, &protocol.Tool{
		Name:        "receive_file",
		Description: "Stores an uploaded file under the configured upload directory",
	}, func(ctx context.Context, req *server.CallToolRequest, input receiveFileInput) (*protocol.CallToolResult, any, error) {
		name, mimeType, data, err := decodeUpload(input.UploadedFile)
		if err != nil {
			return nil, nil, server.InvalidParamsError(err.Error(), server.WithDetail("tool", "receive_file"))
		}

		if err := os.MkdirAll(uploadDir, 0o755); err != nil {
			return nil, nil, server.InternalError("failed to create upload directory", server.WithCause(err))
		}

		// Only the filename component; upload names never choose directories.
		name = filepath.Base(name)
		if name == "." || name == string(filepath.Separator) {
			name = "upload"
		}
		path := filepath.Join(uploadDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, nil, server.InternalError("failed to store upload", server.WithCause(err))
		}

		return server.TextResult(fmt.Sprintf("Saved %s (%s, %d bytes)", name, mimeType, len(data))), nil, nil
	})
}

// decodeUpload extracts the filename, mime type, and bytes from an
// embedded-resource content block. Links and other content shapes are
// not supported uploads.
func decodeUpload(block map[string]any) (name, mimeType string, data []byte, err error) {
	if block == nil {
		return "", "", nil, fmt.Errorf("uploaded_file is required")
	}

	raw, err := json.Marshal(block)
	if err != nil {
		return "", "", nil, fmt.Errorf("uploaded_file is not valid content: %v", err)
	}
	content, err := protocol.UnmarshalContent(raw)
	if err != nil {
		return "", "", nil, fmt.Errorf("uploaded_file is not valid content: %v", err)
	}

	erc, ok := content.(protocol.EmbeddedResourceContent)
	if !ok {
		return "", "", nil, fmt.Errorf("unsupported upload content type %q: only embedded resources carry data", content.GetType())
	}

	res := erc.Resource
	name = res.Name
	if name == "" {
		name = filepath.Base(res.URI)
	}
	if name == "" || name == "." {
		name = "upload"
	}
	mimeType = res.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	switch {
	case res.Text != "":
		return name, mimeType, []byte(res.Text), nil
	case res.Blob != "":
		decoded, decodeErr := base64.StdEncoding.DecodeString(res.Blob)
		if decodeErr != nil {
			return "", "", nil, fmt.Errorf("uploaded_file blob is not valid base64: %v", decodeErr)
		}
		return name, mimeType, decoded, nil
	default:
		return "", "", nil, fmt.Errorf("uploaded_file resource carries neither text nor blob content")
	}
}

type runScriptInput struct {
	Script string `json:"script" jsonschema:"description=code to execute in the sandbox"`
}

type runScriptOutput struct {
	Status string   `json:"status"`
	Logs   []string `json:"logs,omitempty"`
	Result any      `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func registerRunScript(srv *server.Server, sandbox *bridge.SandboxClient) {
	server.AddTool[runScriptInput, runScriptOutput](srv, &protocol.Tool{
		Name:        "run_script",
		Description: "Executes a script in the external sandbox and returns its outcome",
		Execution:   &protocol.ToolExecution{TaskSupport: protocol.TaskSupportOptional},
	}, func(ctx context.Context, req *server.CallToolRequest, input runScriptInput) (*protocol.CallToolResult, runScriptOutput, error) {
		execResult, err := sandbox.Execute(ctx, input.Script)
		if err != nil {
			return nil, runScriptOutput{}, server.DependencyError("sandbox", err)
		}

		out := runScriptOutput{
			Status: execResult.Status,
			Logs:   execResult.Logs,
			Result: execResult.Result,
			Error:  execResult.Error,
		}
		if !execResult.OK() {
			return protocol.NewToolResultError(fmt.Sprintf("script failed: %s", execResult.Error)), out, nil
		}
		return nil, out, nil
	})
}
