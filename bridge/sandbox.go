// Package bridge runs code through an external sandbox executor and
// turns an embedded directive in its result into one follow-up tool call.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultExecuteTimeout = 60 * time.Second

// ExecuteResult is the sandbox executor's answer to a code submission.
type ExecuteResult struct {
	Status string   `json:"status"`
	Logs   []string `json:"logs,omitempty"`
	Result any      `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// OK reports whether the execution succeeded.
func (r *ExecuteResult) OK() bool {
	return r.Status == "ok"
}

// SandboxClient talks to a sandbox executor over HTTP.
type SandboxClient struct {
	// Endpoint receives POSTed {"code": ...} submissions.
	Endpoint string

	// HTTPClient is used for requests. Nil uses a client with a
	// 60 second timeout.
	HTTPClient *http.Client
}

func NewSandboxClient(endpoint string) *SandboxClient {
	return &SandboxClient{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: defaultExecuteTimeout},
	}
}

// Execute submits code to the sandbox. Transport and decoding failures
// are folded into an error-status result so callers always get an
// outcome to report; the error return is reserved for misuse (empty
// endpoint).
func (c *SandboxClient) Execute(ctx context.Context, code string) (*ExecuteResult, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("sandbox endpoint not configured")
	}

	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return transportFailure(fmt.Errorf("failed to encode request: %w", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return transportFailure(err), nil
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultExecuteTimeout}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return transportFailure(err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return transportFailure(fmt.Errorf("sandbox returned %s: %s", resp.Status, prefix)), nil
	}

	var result ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return transportFailure(fmt.Errorf("failed to decode sandbox response: %w", err)), nil
	}
	return &result, nil
}

// transportFailure synthesizes an error outcome from a transport fault.
func transportFailure(err error) *ExecuteResult {
	return &ExecuteResult{
		Status: "error",
		Error:  fmt.Sprintf("sandbox unreachable: %v", err),
	}
}
