package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const cannedResponse = `{
	"Heading": "Go (programming language)",
	"Abstract": "Go is a statically typed, compiled language.",
	"AbstractURL": "https://en.wikipedia.org/wiki/Go",
	"RelatedTopics": [
		{"Text": "Goroutines are lightweight threads.", "FirstURL": "https://go.dev/tour"},
		{"Text": "", "FirstURL": "https://ignored.example"},
		{"Text": "Channels connect goroutines.", "FirstURL": "https://go.dev/ref/spec"}
	]
}`

func newTestTool(t *testing.T, handler http.HandlerFunc) *Tool {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestSearch_FormatsResults(t *testing.T) {
	tool := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "golang" {
			t.Errorf("unexpected query %q", got)
		}
		if r.URL.Query().Get("format") != "json" {
			t.Error("expected format=json")
		}
		w.Write([]byte(cannedResponse))
	})

	result, err := tool.Execute(context.Background(), map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %s", result.Output)
	}
	if !strings.Contains(result.Output, "Found 3 results") {
		t.Errorf("unexpected output header: %q", result.Output)
	}
	if !strings.Contains(result.Output, "Go (programming language)") ||
		!strings.Contains(result.Output, "URL: https://go.dev/tour") {
		t.Errorf("results missing from output: %q", result.Output)
	}

	results, ok := result.Data["results"].([]Result)
	if !ok || len(results) != 3 {
		t.Fatalf("unexpected result data %+v", result.Data)
	}
	// Empty related topics are skipped.
	if results[2].URL != "https://go.dev/ref/spec" {
		t.Errorf("unexpected third result %+v", results[2])
	}
}

func TestSearch_MaxResultsCapsOutput(t *testing.T) {
	tool := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(cannedResponse))
	})

	result, err := tool.Execute(context.Background(), map[string]any{
		"query":       "golang",
		"max_results": float64(1),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	results := result.Data["results"].([]Result)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Title != "Go (programming language)" {
		t.Errorf("expected the abstract first, got %+v", results[0])
	}
}

func TestSearch_NoResults(t *testing.T) {
	tool := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"RelatedTopics": []}`))
	})

	result, err := tool.Execute(context.Background(), map[string]any{"query": "xyzzy"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("an empty result set is not a failure: %s", result.Output)
	}
	if result.Output != "No search results found." {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestSearch_EndpointFailure(t *testing.T) {
	tool := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	result, err := tool.Execute(context.Background(), map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Error("expected failure on upstream error")
	}
	if !strings.Contains(result.Output, "HTTP 503") {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	tool := New()
	result, err := tool.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success || result.Output != "query is required" {
		t.Errorf("unexpected result %+v", result)
	}
}
