package providers

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

// DeepSeekBaseURL is the OpenAI-compatible endpoint for DeepSeek.
const DeepSeekBaseURL = "https://api.deepseek.com/v1"

// OpenAIClient implements agent.LLMClient on the OpenAI chat completions
// API. With a base URL override it also serves OpenAI-compatible vendors
// such as DeepSeek.
type OpenAIClient struct {
	client      *openai.Client
	name        string
	model       string
	maxTokens   int
	temperature float32
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*openaiOptions)

type openaiOptions struct {
	name        string
	baseURL     string
	maxTokens   int
	temperature float32
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(o *openaiOptions) { o.baseURL = url }
}

// WithProviderName overrides the reported provider name.
func WithProviderName(name string) OpenAIOption {
	return func(o *openaiOptions) { o.name = name }
}

// WithMaxTokens sets the default completion budget.
func WithMaxTokens(n int) OpenAIOption {
	return func(o *openaiOptions) { o.maxTokens = n }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float32) OpenAIOption {
	return func(o *openaiOptions) { o.temperature = t }
}

// NewOpenAI creates an OpenAI-backed client.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	options := &openaiOptions{name: "openai"}
	for _, opt := range opts {
		opt(options)
	}

	cfg := openai.DefaultConfig(apiKey)
	if options.baseURL != "" {
		cfg.BaseURL = options.baseURL
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		name:        options.name,
		model:       model,
		maxTokens:   options.maxTokens,
		temperature: options.temperature,
	}
}

// NewDeepSeek creates a DeepSeek client over the OpenAI-compatible API.
func NewDeepSeek(apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	if model == "" {
		model = "deepseek-chat"
	}
	base := []OpenAIOption{WithBaseURL(DeepSeekBaseURL), WithProviderName("deepseek")}
	return NewOpenAI(apiKey, model, append(base, opts...)...)
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string { return c.name }

// Model returns the configured model.
func (c *OpenAIClient) Model() string { return c.model }

// Generate performs one chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.LLMResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if c.maxTokens > 0 {
		chatReq.MaxTokens = c.maxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	} else if c.temperature > 0 {
		chatReq.Temperature = c.temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, NewProviderError(c.name, c.model, err)
	}
	if len(resp.Choices) == 0 {
		return &agent.LLMResponse{FinishReason: agent.FinishStop}, nil
	}

	choice := resp.Choices[0]
	out := &agent.LLMResponse{
		Content: choice.Message.Content,
		Usage: agent.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			// Malformed arguments become an empty map; the tool's schema
			// validation reports the problem to the model.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.FinishReason = agent.FinishToolCalls
	case openai.FinishReasonLength:
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

func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func toOpenAITools(specs []agent.ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Schema,
			},
		})
	}
	return tools
}
