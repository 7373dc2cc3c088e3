package providers

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient implements agent.LLMClient on the Anthropic messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropic creates an Anthropic-backed client.
func NewAnthropic(apiKey, model string, maxTokens int) *AnthropicClient {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Model returns the configured model.
func (c *AnthropicClient) Model() string { return c.model }

// Generate performs one message completion.
func (c *AnthropicClient) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: int64(c.maxTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}

	// Anthropic takes the system prompt separately from the messages.
	if system := systemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if tools := toAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, NewProviderError("anthropic", c.model, err)
	}

	out := &agent.LLMResponse{
		Usage: agent.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args := map[string]any{}
			_ = json.Unmarshal(block.Input, &args)
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		out.FinishReason = agent.FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		out.FinishReason = agent.FinishLength
	default:
		if len(out.ToolCalls) > 0 {
			out.FinishReason = agent.FinishToolCalls
		} else {
			out.FinishReason = agent.FinishStop
		}
	}
	return out, nil
}

func systemPrompt(msgs []models.Message) string {
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			return msg.Content
		}
	}
	return ""
}

func toAnthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}
	return out
}

func toAnthropicTools(specs []agent.ToolSpec) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(spec.Description)
		}
		out = append(out, param)
	}
	return out
}
