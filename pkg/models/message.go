// Package models defines the shared data types exchanged between the
// planner, tools, registry, and transports.
package models

import "time"

// Role identifies the author of a message in a conversation history.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation history. Messages are immutable
// once appended.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single tool invocation requested by the model. The ID is
// opaque and unique within a turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of executing a tool call. Output is what the
// model sees on the next iteration; Data is structured payload for clients.
type ToolResult struct {
	Success bool           `json:"success"`
	Output  string         `json:"output"`
	Data    map[string]any `json:"data,omitempty"`
}

// Event is a structured occurrence published to session subscribers.
type Event struct {
	SessionID string         `json:"session_id"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// EventKind enumerates the event vocabulary published through the hub.
type EventKind string

const (
	EventThinking   EventKind = "thinking"
	EventToolCalls  EventKind = "tool_calls"
	EventToolResult EventKind = "tool_result"
	EventRegistered EventKind = "agent.registered"
	EventUpdated    EventKind = "agent.updated"
	EventComplete   EventKind = "complete"
	EventStatus     EventKind = "status"
	EventOverflow   EventKind = "overflow"
)

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(sessionID string, kind EventKind, payload map[string]any) Event {
	return Event{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
