package agent

import (
	"context"

	"github.com/haasonsaas/loom/pkg/models"
)

// EventSink receives planner events for fan-out to session subscribers.
type EventSink interface {
	Publish(sessionID string, event models.Event)
}

// TraceSink records structured trace events for a session. Implementations
// assign turn numbers and serialize writes per session.
type TraceSink interface {
	Event(sessionID, kind string, fields map[string]any)
}

// AccessController decides whether a role may invoke a tool.
type AccessController interface {
	CheckToolAccess(ctx context.Context, role, tool string) bool
}

// Hooks are plugin callbacks fired around planner boundaries. All methods
// are best-effort; implementations must not block.
type Hooks interface {
	OnAgentStart(ctx context.Context, sessionID, message string)
	OnAgentFinish(ctx context.Context, sessionID, response string)
	OnToolStart(ctx context.Context, sessionID, tool string, args map[string]any)
	OnToolEnd(ctx context.Context, sessionID, tool string, result *models.ToolResult)
	OnError(ctx context.Context, sessionID string, err error)
}

// NopEventSink discards events.
type NopEventSink struct{}

func (NopEventSink) Publish(string, models.Event) {}

// NopTraceSink discards trace records.
type NopTraceSink struct{}

func (NopTraceSink) Event(string, string, map[string]any) {}

// NopHooks is a Hooks implementation that does nothing.
type NopHooks struct{}

func (NopHooks) OnAgentStart(context.Context, string, string)                  {}
func (NopHooks) OnAgentFinish(context.Context, string, string)                 {}
func (NopHooks) OnToolStart(context.Context, string, string, map[string]any)   {}
func (NopHooks) OnToolEnd(context.Context, string, string, *models.ToolResult) {}
func (NopHooks) OnError(context.Context, string, error)                        {}

// AllowAll is an AccessController that permits every invocation.
type AllowAll struct{}

func (AllowAll) CheckToolAccess(context.Context, string, string) bool { return true }
