// Package agent implements the planner loop and the contracts it drives:
// tools, LLM clients, and the event surface.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// Tool is a named, schema-described operation callable by the model.
//
// Execute must observe ctx cancellation between blocking operations and
// must not retain ctx past the call.
type Tool interface {
	// Name returns the tool's globally unique identifier.
	Name() string

	// Description returns a human-readable summary shown to the model.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error)
}

// ToolRegistry holds the registered tool set. Registration of a duplicate
// name replaces the prior binding and logs a warning.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *observability.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *observability.Logger) *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists && r.logger != nil {
		r.logger.Warn(context.Background(), "replacing registered tool", "tool", name)
	}
	r.tools[name] = tool
	r.schemas[name] = compileSchema(name, tool.Schema())
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns the tool bound to name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the registered tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Without returns a copy of the registry with the named tools removed.
// The copy shares no mutable state with the original.
func (r *ToolRegistry) Without(names ...string) *ToolRegistry {
	excluded := make(map[string]bool, len(names))
	for _, name := range names {
		excluded[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewToolRegistry(r.logger)
	for name, tool := range r.tools {
		if excluded[name] {
			continue
		}
		out.tools[name] = tool
		out.schemas[name] = r.schemas[name]
	}
	return out
}

// Execute validates args against the tool's schema and runs it. Unknown
// tools, validation failures, panics, and tool errors all surface as
// failure ToolResults rather than Go errors.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) *models.ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return &models.ToolResult{Success: false, Output: fmt.Sprintf("tool not found: %s", name)}
	}

	if schema != nil {
		if err := schema.Validate(normalizeArgs(args)); err != nil {
			return &models.ToolResult{Success: false, Output: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
		}
	}

	result, err := r.executeSafe(ctx, tool, args)
	if err != nil {
		return &models.ToolResult{Success: false, Output: err.Error()}
	}
	if result == nil {
		return &models.ToolResult{Success: false, Output: fmt.Sprintf("tool %s returned no result", name)}
	}
	return result
}

func (r *ToolRegistry) executeSafe(ctx context.Context, tool Tool, args map[string]any) (result *models.ToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Error(ctx, "tool panicked",
					"tool", tool.Name(),
					"panic", fmt.Sprintf("%v", rec),
					"stack", string(debug.Stack()))
			}
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), rec)
		}
	}()
	return tool.Execute(ctx, args)
}

// compileSchema compiles a tool's raw schema. A nil or malformed schema
// disables validation for that tool.
func compileSchema(name string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("tool://%s/schema.json", name)
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil
	}
	return schema
}

// normalizeArgs round-trips args through JSON so numeric types match what
// the schema validator expects.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return args
	}
	return out
}
