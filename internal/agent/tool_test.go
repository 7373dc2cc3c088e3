package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

// fakeTool is a configurable Tool for registry tests.
type fakeTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, args map[string]any) (*models.ToolResult, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }

func (f *fakeTool) Schema() json.RawMessage {
	if f.schema == "" {
		return nil
	}
	return json.RawMessage(f.schema)
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return &models.ToolResult{Success: true, Output: "ok"}, nil
}

const echoSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"}
	},
	"required": ["text"]
}`

func TestToolRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewToolRegistry(nil)
	result := r.Execute(context.Background(), "ghost", nil)
	if result.Success {
		t.Error("expected failure for unknown tool")
	}
	if !strings.Contains(result.Output, "tool not found: ghost") {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestToolRegistry_SchemaValidation(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(&fakeTool{name: "echo", schema: echoSchema})

	result := r.Execute(context.Background(), "echo", map[string]any{"text": 42})
	if result.Success {
		t.Error("expected schema validation failure")
	}
	if !strings.Contains(result.Output, "invalid arguments for echo") {
		t.Errorf("unexpected output %q", result.Output)
	}

	result = r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	if !result.Success {
		t.Errorf("expected valid args to pass, got %q", result.Output)
	}
}

func TestToolRegistry_MissingRequiredArgument(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(&fakeTool{name: "echo", schema: echoSchema})

	result := r.Execute(context.Background(), "echo", map[string]any{})
	if result.Success {
		t.Error("expected failure for missing required argument")
	}
}

func TestToolRegistry_PanicBecomesFailure(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(&fakeTool{
		name: "bomb",
		execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			panic("kaboom")
		},
	})

	result := r.Execute(context.Background(), "bomb", nil)
	if result.Success {
		t.Error("expected panic to surface as failure")
	}
	if !strings.Contains(result.Output, "panicked") {
		t.Errorf("unexpected output %q", result.Output)
	}

	// The registry still serves other tools afterwards.
	r.Register(&fakeTool{name: "ok"})
	if result := r.Execute(context.Background(), "ok", nil); !result.Success {
		t.Errorf("registry broken after panic: %q", result.Output)
	}
}

func TestToolRegistry_DuplicateRegistrationReplaces(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(&fakeTool{
		name: "dup",
		execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Success: true, Output: "first"}, nil
		},
	})
	r.Register(&fakeTool{
		name: "dup",
		execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Success: true, Output: "second"}, nil
		},
	})

	result := r.Execute(context.Background(), "dup", nil)
	if result.Output != "second" {
		t.Errorf("expected replacement binding, got %q", result.Output)
	}
	if len(r.List()) != 1 {
		t.Errorf("expected a single binding, got %d", len(r.List()))
	}
}

func TestToolRegistry_Without(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(&fakeTool{name: "keep"})
	r.Register(&fakeTool{name: SpawnSubagentToolName})

	stripped := r.Without(SpawnSubagentToolName)
	if _, ok := stripped.Get(SpawnSubagentToolName); ok {
		t.Error("expected spawn tool to be stripped")
	}
	if _, ok := stripped.Get("keep"); !ok {
		t.Error("expected remaining tools to survive")
	}
	// The original is untouched.
	if _, ok := r.Get(SpawnSubagentToolName); !ok {
		t.Error("expected original registry to keep the spawn tool")
	}
}

func TestToolRegistry_ListSorted(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(&fakeTool{name: "zeta"})
	r.Register(&fakeTool{name: "alpha"})
	r.Register(&fakeTool{name: "mid"})

	names := []string{}
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}
