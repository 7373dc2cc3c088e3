package providers

import (
	"context"
	"fmt"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/observability"
)

// TraceSink mirrors the trace surface so the fallback chain can record
// its attempts without importing the trace package.
type TraceSink interface {
	Event(sessionID, kind string, fields map[string]any)
}

// Fallback wraps an ordered list of clients. A retryable failure moves to
// the next candidate; auth and malformed-request failures stop the walk.
// The attempt chain is recorded to the trace sink.
type Fallback struct {
	clients []agent.LLMClient
	tracer  TraceSink
	logger  *observability.Logger
}

// NewFallback builds a fallback chain. The first client is the primary.
func NewFallback(clients []agent.LLMClient, tracer TraceSink, logger *observability.Logger) *Fallback {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Fallback{clients: clients, tracer: tracer, logger: logger}
}

// Name returns the primary provider's name.
func (f *Fallback) Name() string {
	if len(f.clients) == 0 {
		return "fallback"
	}
	return f.clients[0].Name()
}

// Model returns the primary provider's model.
func (f *Fallback) Model() string {
	if len(f.clients) == 0 {
		return ""
	}
	return f.clients[0].Model()
}

// Generate walks the chain until a client succeeds or a non-retryable
// failure is hit.
func (f *Fallback) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.LLMResponse, error) {
	if len(f.clients) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	sessionID := observability.GetSessionID(ctx)
	var lastErr error
	for i, client := range f.clients {
		resp, err := client.Generate(ctx, req)
		if err == nil {
			if i > 0 && f.tracer != nil {
				f.tracer.Event(sessionID, "llm.fallback", map[string]any{
					"provider": client.Name(),
					"attempt":  i + 1,
				})
			}
			return resp, nil
		}
		lastErr = err

		reason := ClassifyError(err)
		if f.tracer != nil {
			f.tracer.Event(sessionID, "llm.fallback", map[string]any{
				"provider": client.Name(),
				"attempt":  i + 1,
				"reason":   string(reason),
				"error":    err.Error(),
			})
		}
		if !reason.Retryable() {
			f.logger.Warn(ctx, "provider failed with non-retryable error",
				"provider", client.Name(), "reason", string(reason), "error", err)
			return nil, err
		}
		f.logger.Warn(ctx, "provider failed, trying next",
			"provider", client.Name(), "reason", string(reason), "error", err)
	}
	return nil, lastErr
}
