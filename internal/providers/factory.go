package providers

import (
	"context"
	"fmt"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
)

// Build constructs one named provider client from its configuration.
func Build(ctx context.Context, name string, cfg config.ProviderConfig) (agent.LLMClient, error) {
	switch name {
	case "openai":
		opts := []OpenAIOption{WithMaxTokens(cfg.MaxTokens), WithTemperature(float32(cfg.Temperature))}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		return NewOpenAI(cfg.APIKey, cfg.Model, opts...), nil
	case "deepseek":
		return NewDeepSeek(cfg.APIKey, cfg.Model,
			WithMaxTokens(cfg.MaxTokens), WithTemperature(float32(cfg.Temperature))), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// BuildAll constructs every configured provider and returns them by name.
func BuildAll(ctx context.Context, cfg config.LLMConfig) (map[string]agent.LLMClient, error) {
	clients := make(map[string]agent.LLMClient, len(cfg.Providers))
	for name, providerCfg := range cfg.Providers {
		client, err := Build(ctx, name, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("build provider %s: %w", name, err)
		}
		clients[name] = client
	}
	return clients, nil
}

// Select returns the client for the configured primary provider, wrapped
// in a fallback chain when llm.fallback_order is set.
func Select(cfg config.LLMConfig, clients map[string]agent.LLMClient, tracer TraceSink, logger *observability.Logger) (agent.LLMClient, error) {
	primary, ok := clients[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", cfg.Provider)
	}
	if len(cfg.FallbackOrder) == 0 {
		return primary, nil
	}

	chain := []agent.LLMClient{primary}
	for _, name := range cfg.FallbackOrder {
		if name == cfg.Provider {
			continue
		}
		client, ok := clients[name]
		if !ok {
			return nil, fmt.Errorf("fallback provider %q is not configured", name)
		}
		chain = append(chain, client)
	}
	return NewFallback(chain, tracer, logger), nil
}
