package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

// GeminiClient implements agent.LLMClient on the Gemini API.
type GeminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGemini creates a Gemini-backed client.
func NewGemini(ctx context.Context, apiKey, model string, maxTokens int) (*GeminiClient, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model, maxTokens: maxTokens}, nil
}

// Name returns the provider identifier.
func (c *GeminiClient) Name() string { return "gemini" }

// Model returns the configured model.
func (c *GeminiClient) Model() string { return c.model }

// Generate performs one content generation.
func (c *GeminiClient) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.LLMResponse, error) {
	config := &genai.GenerateContentConfig{}
	if system := systemPrompt(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	if tools := toGeminiTools(req.Tools); len(tools) > 0 {
		config.Tools = tools
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, toGeminiContents(req.Messages), config)
	if err != nil {
		return nil, NewProviderError("gemini", c.model, err)
	}

	out := &agent.LLMResponse{FinishReason: agent.FinishStop}
	if resp.UsageMetadata != nil {
		out.Usage = agent.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	callSeq := 0
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		if candidate.FinishReason == genai.FinishReasonMaxTokens {
			out.FinishReason = agent.FinishLength
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				out.Content += part.Text
			}
			if part.FunctionCall != nil {
				callSeq++
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				// Gemini does not assign call ids; synthesize stable ones.
				out.ToolCalls = append(out.ToolCalls, models.ToolCall{
					ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, callSeq),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = agent.FinishToolCalls
	}
	return out, nil
}

func toGeminiContents(msgs []models.Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range msgs {
		// System prompts travel via SystemInstruction.
		if msg.Role == models.RoleSystem {
			continue
		}
		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Role == models.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.ToolName,
					Response: map[string]any{"output": msg.Content},
				},
			})
			out = append(out, content)
			continue
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: call.Name,
					Args: call.Arguments,
				},
			})
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func toGeminiTools(specs []agent.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		schemaMap, err := decodeSchema(spec.Schema)
		if err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func decodeSchema(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
