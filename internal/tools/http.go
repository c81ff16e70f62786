// Package tools provides engine tool adapters for hosting environments. The
// HTTP adapter forwards tool and parallel-branch invocations to a configured
// endpoint, so journeys can run real actions without linking the tools into
// the binary.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wayline/wayline/internal/engine"
)

const defaultRequestTimeout = 30 * time.Second

// Opts holds configuration options for the HTTP adapter.
type Opts struct {
	Client  *http.Client
	Timeout time.Duration
}

// Option defines a configuration option for the HTTP adapter.
type Option func(*Opts)

// WithHTTPClient overrides the HTTP client used for invocations.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// WithRequestTimeout sets the per-invocation timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// HTTPAdapter invokes tools by POSTing a JSON invocation to one endpoint and
// reading the outcome from the response body.
type HTTPAdapter struct {
	endpoint string
	client   *http.Client
}

// invocation is the request body sent for each tool run.
type invocation struct {
	ToolID string         `json:"tool_id"`
	Config map[string]any `json:"config,omitempty"`
	State  map[string]any `json:"state,omitempty"`
}

// invocationResult is the outcome reported by the endpoint.
type invocationResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewHTTPAdapter creates an adapter targeting the given endpoint URL.
func NewHTTPAdapter(endpoint string, opts ...Option) *HTTPAdapter {
	cfg := Opts{Timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	slog.Debug("Tools.NewHTTPAdapter: adapter created", "endpoint", endpoint, "timeout", cfg.Timeout)
	return &HTTPAdapter{endpoint: endpoint, client: client}
}

// InvokeTool implements engine.ToolAdapter. Transport and decoding failures
// are returned as errors; a tool-reported failure comes back as an
// unsuccessful outcome.
func (a *HTTPAdapter) InvokeTool(ctx context.Context, toolID string, config map[string]any, snapshot map[string]any) (*engine.ToolOutcome, error) {
	payload, err := json.Marshal(invocation{ToolID: toolID, Config: config, State: snapshot})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation for tool %s: %w", toolID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for tool %s: %w", toolID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Tools.InvokeTool: invoking", "tool", toolID, "endpoint", a.endpoint)
	resp, err := a.client.Do(req)
	if err != nil {
		slog.Error("Tools.InvokeTool: request failed", "tool", toolID, "error", err)
		return nil, fmt.Errorf("tool %s: request failed: %w", toolID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tool %s: failed to read response: %w", toolID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("Tools.InvokeTool: endpoint rejected invocation", "tool", toolID, "status", resp.StatusCode)
		return nil, fmt.Errorf("tool %s: endpoint returned status %d", toolID, resp.StatusCode)
	}

	var result invocationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("tool %s: failed to decode outcome: %w", toolID, err)
	}
	slog.Debug("Tools.InvokeTool: outcome received", "tool", toolID, "success", result.Success)
	return &engine.ToolOutcome{Success: result.Success, Output: result.Output, Error: result.Error}, nil
}
