package streamable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// probeBodyLimit bounds how much of the response body a probe captures.
const probeBodyLimit = 512

// ProbeResult captures the raw HTTP exchange with an endpoint, without
// interpreting the body as JSON-RPC.
type ProbeResult struct {
	StatusCode int
	Status     string
	Headers    http.Header
	BodyPrefix string
	Truncated  bool
}

// Probe sends a single POST with a minimal JSON body and reports the
// raw status, headers, and a bounded body prefix. It is a diagnostic
// for endpoints that reject the handshake before JSON-RPC ever starts:
// wrong paths, auth failures, and proxies answering in the server's
// place all show up here.
func Probe(ctx context.Context, endpoint string, options ...ClientOption) (*ProbeResult, error) {
	t, err := NewClientTransport(endpoint, options...)
	if err != nil {
		return nil, err
	}
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader([]byte(`{"probe":true}`)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if t.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.BearerToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read probe response: %w", err)
	}
	truncated := len(body) > probeBodyLimit
	if truncated {
		body = body[:probeBodyLimit]
	}

	return &ProbeResult{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    resp.Header.Clone(),
		BodyPrefix: string(body),
		Truncated:  truncated,
	}, nil
}
