package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// SpawnSubagentToolName is the reserved tool that fans work out to a
// nested planner. The planner injects the session id into its arguments.
const SpawnSubagentToolName = "spawn_subagent"

// SubagentMaxIterations bounds a subagent planner's loop.
const SubagentMaxIterations = 5

// PlannerConfig tunes one planner instance.
type PlannerConfig struct {
	SystemPrompt        string
	Role                string
	MaxIterations       int
	MaxToolCallsPerTurn int
	MaxHistoryMessages  int
	EnableThinking      bool
	ThinkingStartMarker string
	ThinkingEndMarker   string
	ToolTimeout         time.Duration
	Subagent            bool
}

// Summarizer folds dropped history messages into a running summary. The
// result replaces the previous summary and is injected as a system-level
// priming message on subsequent prompts.
type Summarizer func(dropped []models.Message, previous string) string

// Planner drives one conversation's iterative LLM and tool loop.
//
// A planner owns its history exclusively. Callers serialize turns per
// session; the internal mutex only protects history against concurrent
// reads (status endpoints, session.clear).
type Planner struct {
	cfg     PlannerConfig
	llm     LLMClient
	tools   *ToolRegistry
	events  EventSink
	tracer  TraceSink
	access  AccessController
	hooks   Hooks
	logger  *observability.Logger
	metrics *observability.Metrics

	sessionID string

	mu      sync.Mutex
	history []models.Message
	summary string

	summarize Summarizer
}

// PlannerDeps bundles the collaborators a planner needs.
type PlannerDeps struct {
	LLM       LLMClient
	Tools     *ToolRegistry
	Events    EventSink
	Tracer    TraceSink
	Access    AccessController
	Hooks     Hooks
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Summarize Summarizer
}

// NewPlanner creates a planner for the given session.
//
// In subagent mode the spawn tool is stripped from the tool set and the
// iteration bound is capped, regardless of the supplied config.
func NewPlanner(sessionID string, cfg PlannerConfig, deps PlannerDeps) *Planner {
	tools := deps.Tools
	if tools == nil {
		tools = NewToolRegistry(deps.Logger)
	}
	if cfg.Subagent {
		tools = tools.Without(SpawnSubagentToolName)
		if cfg.MaxIterations <= 0 || cfg.MaxIterations > SubagentMaxIterations {
			cfg.MaxIterations = SubagentMaxIterations
		}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 20
	}
	events := deps.Events
	if events == nil {
		events = NopEventSink{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = NopTraceSink{}
	}
	access := deps.Access
	if access == nil {
		access = AllowAll{}
	}
	hooks := deps.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Planner{
		cfg:       cfg,
		llm:       deps.LLM,
		tools:     tools,
		events:    events,
		tracer:    tracer,
		access:    access,
		hooks:     hooks,
		logger:    logger,
		metrics:   deps.Metrics,
		sessionID: sessionID,
		summarize: deps.Summarize,
	}
}

// PlannerFactory creates planners on demand. The spawn tool holds one to
// build nested subagent planners without importing this package's callers.
type PlannerFactory func(sessionID string, subagent bool) *Planner

// SessionID returns the session this planner belongs to.
func (p *Planner) SessionID() string { return p.sessionID }

// History returns a snapshot of the conversation history.
func (p *Planner) History() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Message, len(p.history))
	copy(out, p.history)
	return out
}

// SeedHistory replaces the history, trimming to the window. Used to
// restore a persisted conversation on session creation.
func (p *Planner) SeedHistory(msgs []models.Message) {
	p.mu.Lock()
	p.history = append([]models.Message(nil), msgs...)
	p.mu.Unlock()
	p.trimToWindow(p.cfg.MaxHistoryMessages)
}

// SetLLM swaps the provider client. Takes effect on the next generation.
func (p *Planner) SetLLM(client LLMClient) {
	p.mu.Lock()
	p.llm = client
	p.mu.Unlock()
}

// client returns the current provider client.
func (p *Planner) client() LLMClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.llm
}

// Provider returns the name of the current provider client.
func (p *Planner) Provider() string {
	return p.client().Name()
}

// ClearHistory discards the conversation history and summary.
func (p *Planner) ClearHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	p.summary = ""
}

// RunTurn executes one planner turn for the given user message and returns
// the final assistant response. Tool failures, permission denials, and
// provider errors are absorbed into the conversation; only cancellation
// surfaces as a Go error.
func (p *Planner) RunTurn(ctx context.Context, userMessage string) (string, error) {
	start := time.Now()
	ctx = observability.AddSessionID(ctx, p.sessionID)

	p.hooks.OnAgentStart(ctx, p.sessionID, userMessage)
	p.tracer.Event(p.sessionID, "turn.start", map[string]any{"input": userMessage})
	p.emit(models.EventThinking, map[string]any{"status": "processing"})

	p.appendMessage(models.Message{Role: models.RoleUser, Content: userMessage})

	var lastContent string
	for iteration := 1; iteration <= p.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			p.hooks.OnError(ctx, p.sessionID, ErrTurnCancelled)
			return "", ErrTurnCancelled
		}

		resp := p.generate(ctx, iteration)
		if ctx.Err() != nil {
			p.hooks.OnError(ctx, p.sessionID, ErrTurnCancelled)
			return "", ErrTurnCancelled
		}

		if resp.FinishReason == FinishError {
			// The provider's message becomes the assistant reply so the
			// client always gets a response for the burst.
			if p.metrics != nil {
				p.metrics.PlannerErrors.Inc()
			}
			p.hooks.OnError(ctx, p.sessionID, fmt.Errorf("llm error: %s", resp.Content))
			return p.finish(ctx, resp.Content, start, false), nil
		}

		content := resp.Content
		if p.cfg.EnableThinking {
			var thoughts []string
			thoughts, content = ExtractThoughts(content, p.cfg.ThinkingStartMarker, p.cfg.ThinkingEndMarker)
			for _, thought := range thoughts {
				p.emit(models.EventThinking, map[string]any{"thought": thought})
				p.tracer.Event(p.sessionID, "thinking", map[string]any{"thought": thought})
			}
		}

		if len(resp.ToolCalls) == 0 {
			return p.finish(ctx, content, start, false), nil
		}

		calls := resp.ToolCalls
		if p.cfg.MaxToolCallsPerTurn > 0 && len(calls) > p.cfg.MaxToolCallsPerTurn {
			p.logger.Warn(ctx, "tool call list capped",
				"requested", len(calls), "cap", p.cfg.MaxToolCallsPerTurn)
			calls = calls[:p.cfg.MaxToolCallsPerTurn]
		}
		lastContent = content

		p.appendMessage(models.Message{
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
		})
		p.emit(models.EventToolCalls, map[string]any{"calls": callSummaries(calls)})

		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				p.hooks.OnError(ctx, p.sessionID, ErrTurnCancelled)
				return "", ErrTurnCancelled
			}
			result := p.runToolCall(ctx, call)
			p.appendMessage(models.Message{
				Role:       models.RoleTool,
				Content:    result.Output,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
			p.emit(models.EventToolResult, map[string]any{
				"tool_call_id": call.ID,
				"tool":         call.Name,
				"success":      result.Success,
				"output":       result.Output,
			})
		}
	}

	// Iteration budget exhausted without a final reply.
	p.logger.Warn(ctx, "planner reached iteration limit", "max_iterations", p.cfg.MaxIterations)
	return p.finish(ctx, lastContent, start, true), nil
}

// generate calls the LLM and normalizes transport failures into an error
// finish so the loop handles every failure mode the same way.
func (p *Planner) generate(ctx context.Context, iteration int) *LLMResponse {
	llm := p.client()
	req := &GenerateRequest{
		Messages: p.prompt(),
		Tools:    ToolSpecs(p.tools),
	}
	p.tracer.Event(p.sessionID, "llm.request", map[string]any{
		"provider": llm.Name(),
		"model":    llm.Model(),
		"messages": len(req.Messages),
	})

	llmStart := time.Now()
	resp, err := llm.Generate(ctx, req)
	if err != nil {
		resp = &LLMResponse{
			Content:      fmt.Sprintf("LLM request failed: %v", err),
			FinishReason: FinishError,
		}
	}
	if p.metrics != nil {
		p.metrics.LLMRequests.WithLabelValues(llm.Name(), string(resp.FinishReason)).Inc()
	}
	p.tracer.Event(p.sessionID, "llm.response", map[string]any{
		"provider":      llm.Name(),
		"finish_reason": string(resp.FinishReason),
		"content":       resp.Content,
		"tool_calls":    len(resp.ToolCalls),
		"duration_ms":   time.Since(llmStart).Milliseconds(),
		"iteration":     iteration,
	})
	return resp
}

// runToolCall resolves, authorizes, and executes one tool call under the
// per-call deadline.
func (p *Planner) runToolCall(ctx context.Context, call models.ToolCall) *models.ToolResult {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	// Clients never provide the session id; the reserved spawn tool gets
	// it injected here.
	if call.Name == SpawnSubagentToolName {
		args["session_id"] = p.sessionID
	}

	p.hooks.OnToolStart(ctx, p.sessionID, call.Name, args)
	p.tracer.Event(p.sessionID, "tool.call", map[string]any{
		"tool_call_id": call.ID,
		"tool":         call.Name,
	})

	var result *models.ToolResult
	toolStart := time.Now()
	if !p.access.CheckToolAccess(ctx, p.cfg.Role, call.Name) {
		result = &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("Permission Denied: role %q may not use tool %q", p.cfg.Role, call.Name),
		}
	} else {
		result = p.executeWithTimeout(ctx, call.Name, args)
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	if p.metrics != nil {
		p.metrics.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()
		p.metrics.ToolDuration.Observe(time.Since(toolStart).Seconds())
	}
	p.tracer.Event(p.sessionID, "tool.result", map[string]any{
		"tool_call_id": call.ID,
		"tool":         call.Name,
		"success":      result.Success,
		"output":       result.Output,
		"duration_ms":  time.Since(toolStart).Milliseconds(),
	})
	p.hooks.OnToolEnd(ctx, p.sessionID, call.Name, result)
	return result
}

// executeWithTimeout runs the tool under the configured deadline. A tool
// that outlives its deadline is abandoned; its context is cancelled and
// the planner moves on with a synthetic failure.
func (p *Planner) executeWithTimeout(ctx context.Context, name string, args map[string]any) *models.ToolResult {
	if p.cfg.ToolTimeout <= 0 {
		return p.tools.Execute(ctx, name, args)
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()

	resultCh := make(chan *models.ToolResult, 1)
	go func() {
		resultCh <- p.tools.Execute(toolCtx, name, args)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-toolCtx.Done():
		if ctx.Err() != nil {
			return &models.ToolResult{Success: false, Output: "cancelled"}
		}
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("timed out after %d seconds", int(p.cfg.ToolTimeout.Seconds())),
		}
	}
}

// finish records the final assistant reply and closes out the turn.
func (p *Planner) finish(ctx context.Context, content string, start time.Time, truncated bool) string {
	p.appendMessage(models.Message{Role: models.RoleAssistant, Content: content})
	p.trimToWindow(p.cfg.MaxHistoryMessages)

	payload := map[string]any{"response": content}
	if truncated {
		payload["truncated"] = true
	}
	p.emit(models.EventComplete, payload)
	p.tracer.Event(p.sessionID, "turn.end", map[string]any{
		"output":      content,
		"truncated":   truncated,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if p.metrics != nil {
		p.metrics.PlannerTurns.Inc()
	}
	p.hooks.OnAgentFinish(ctx, p.sessionID, content)
	return content
}

// prompt assembles [system persona] + summary + history.
func (p *Planner) prompt() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]models.Message, 0, len(p.history)+2)
	if p.cfg.SystemPrompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: p.cfg.SystemPrompt})
	}
	if p.summary != "" {
		msgs = append(msgs, models.Message{
			Role:    models.RoleSystem,
			Content: "Summary of earlier conversation: " + p.summary,
		})
	}
	msgs = append(msgs, p.history...)
	return msgs
}

func (p *Planner) appendMessage(msg models.Message) {
	p.mu.Lock()
	p.history = append(p.history, msg)
	p.mu.Unlock()
	// The in-progress turn may hold one extra entry beyond the window.
	p.trimToWindow(p.cfg.MaxHistoryMessages + 1)
}

// trimToWindow drops the oldest entries beyond limit, folding them into
// the running summary when a summarizer is configured.
func (p *Planner) trimToWindow(limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || len(p.history) <= limit {
		return
	}
	dropped := p.history[:len(p.history)-limit]
	if p.summarize != nil {
		kept := make([]models.Message, len(dropped))
		copy(kept, dropped)
		p.summary = p.summarize(kept, p.summary)
	}
	p.history = p.history[len(p.history)-limit:]
}

func (p *Planner) emit(kind models.EventKind, payload map[string]any) {
	p.events.Publish(p.sessionID, models.NewEvent(p.sessionID, kind, payload))
}

func callSummaries(calls []models.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		out = append(out, map[string]any{"id": call.ID, "name": call.Name})
	}
	return out
}
