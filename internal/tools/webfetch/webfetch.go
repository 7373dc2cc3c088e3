// Package webfetch retrieves a URL's body for the planner.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultMaxBytes caps the returned body.
const DefaultMaxBytes = 256 * 1024

// Tool performs a GET and returns the response body as text.
type Tool struct {
	client   *http.Client
	maxBytes int64
}

// Option configures the tool.
type Option func(*Tool)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Tool) { t.client = client }
}

// WithMaxBytes overrides the body size cap.
func WithMaxBytes(n int64) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxBytes = n
		}
	}
}

func New(opts ...Option) *Tool {
	t := &Tool{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return "web_fetch" }

func (t *Tool) Description() string {
	return "Fetch a URL over HTTP GET and return the response body as text. " +
		"Large bodies are truncated."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "Absolute http or https URL to fetch."
			}
		},
		"required": ["url"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	raw, _ := args["url"].(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("invalid url %q: must be absolute http(s)", raw),
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return &models.ToolResult{Success: false, Output: err.Error()}, nil
	}
	req.Header.Set("User-Agent", "loom/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("fetch failed: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("read failed: %v", err),
		}, nil
	}
	truncated := int64(len(body)) > t.maxBytes
	if truncated {
		body = body[:t.maxBytes]
	}

	text := strings.ToValidUTF8(string(body), "")
	result := &models.ToolResult{
		Success: resp.StatusCode < 400,
		Output:  text,
		Data: map[string]any{
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"truncated":    truncated,
		},
	}
	if !result.Success {
		result.Output = fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, text)
	}
	return result, nil
}
