// Package websearch queries the DuckDuckGo instant answer API for the
// planner.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultBaseURL is the instant answer endpoint.
const DefaultBaseURL = "https://api.duckduckgo.com/"

// DefaultMaxResults caps results when the caller does not ask for more.
const DefaultMaxResults = 5

// Tool performs a web search and returns titled results with snippets
// and URLs.
type Tool struct {
	client  *http.Client
	baseURL string
}

// Option configures the tool.
type Option func(*Tool)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Tool) { t.client = client }
}

// WithBaseURL overrides the search endpoint, for tests.
func WithBaseURL(base string) Option {
	return func(t *Tool) { t.baseURL = base }
}

func New(opts ...Option) *Tool {
	t := &Tool{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Description() string {
	return "Search the web for information on a topic. Returns search results " +
		"with titles, snippets, and URLs."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query."
			},
			"max_results": {
				"type": "integer",
				"description": "Maximum number of results to return (default: 5)."
			}
		},
		"required": ["query"]
	}`)
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

type apiResponse struct {
	Heading       string `json:"Heading"`
	Abstract      string `json:"Abstract"`
	AbstractURL   string `json:"AbstractURL"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return &models.ToolResult{Success: false, Output: "query is required"}, nil
	}
	maxResults := DefaultMaxResults
	if n, ok := args["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	results, err := t.search(ctx, query, maxResults)
	if err != nil {
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("search failed: %v", err),
		}, nil
	}
	if len(results) == 0 {
		return &models.ToolResult{
			Success: true,
			Output:  "No search results found.",
			Data:    map[string]any{"results": results},
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d results for %q:\n", len(results), query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n   URL: %s\n", i+1, r.Title, r.Snippet, r.URL)
	}
	return &models.ToolResult{
		Success: true,
		Output:  b.String(),
		Data:    map[string]any{"results": results},
	}, nil
}

func (t *Tool) search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	params := url.Values{
		"q":       {query},
		"format":  {"json"},
		"no_html": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "loom/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned HTTP %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	var results []Result
	if body.Abstract != "" {
		title := body.Heading
		if title == "" {
			title = query
		}
		results = append(results, Result{
			Title:   title,
			Snippet: body.Abstract,
			URL:     body.AbstractURL,
		})
	}
	for _, topic := range body.RelatedTopics {
		if len(results) >= maxResults {
			break
		}
		if topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, Result{
			Title:   title,
			Snippet: topic.Text,
			URL:     topic.FirstURL,
		})
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}
