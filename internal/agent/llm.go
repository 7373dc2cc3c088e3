package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/pkg/models"
)

// FinishReason describes why a generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
	FinishLength    FinishReason = "length"
)

// ToolSpec is the provider-neutral description of a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// GenerateRequest carries one LLM invocation.
type GenerateRequest struct {
	Messages    []models.Message
	Tools       []ToolSpec
	Temperature float32
	MaxTokens   int
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the normalized provider output.
//
// Provider failures surface as FinishError with Content carrying the
// provider's message; Generate returns a Go error only when the request
// itself could not be built or sent.
type LLMResponse struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// LLMClient is the contract every provider adapter implements.
type LLMClient interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Generate performs one completion.
	Generate(ctx context.Context, req *GenerateRequest) (*LLMResponse, error)
}

// ToolSpecs converts a registry's tool set into provider-neutral specs.
func ToolSpecs(registry *ToolRegistry) []ToolSpec {
	tools := registry.List()
	specs := make([]ToolSpec, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}
