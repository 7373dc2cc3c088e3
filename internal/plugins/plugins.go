// Package plugins manages optional tool bundles and fans planner
// lifecycle events out to them.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// Bundle is one plugin: a named set of tools with an optional lifecycle.
// OnLoad runs to completion before the bundle's tools are exposed;
// OnShutdown runs after they are removed.
type Bundle interface {
	Name() string
	Tools() []agent.Tool
	OnLoad(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}

// EventObserver is an optional Bundle extension for planner boundary
// events.
type EventObserver interface {
	OnAgentStart(ctx context.Context, sessionID, message string)
	OnAgentFinish(ctx context.Context, sessionID, response string)
	OnToolStart(ctx context.Context, sessionID, tool string, args map[string]any)
	OnToolEnd(ctx context.Context, sessionID, tool string, result *models.ToolResult)
	OnError(ctx context.Context, sessionID string, err error)
}

// Manager owns the loaded bundle set and registers their tools.
type Manager struct {
	mu        sync.RWMutex
	available map[string]Bundle
	loaded    map[string]Bundle
	observers []EventObserver
	tools     *agent.ToolRegistry
	logger    *observability.Logger
}

// NewManager creates a manager over the given available bundles. Tools
// from loaded bundles are registered into tools.
func NewManager(available []Bundle, tools *agent.ToolRegistry, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	m := &Manager{
		available: make(map[string]Bundle),
		loaded:    make(map[string]Bundle),
		tools:     tools,
		logger:    logger,
	}
	for _, b := range available {
		m.available[b.Name()] = b
	}
	return m
}

// Load initializes the named bundles in order. An unknown name or a
// failing OnLoad aborts startup.
func (m *Manager) Load(ctx context.Context, names []string) error {
	for _, name := range names {
		m.mu.Lock()
		bundle, ok := m.available[name]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("unknown plugin %q", name)
		}
		if _, already := m.loaded[name]; already {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if err := bundle.OnLoad(ctx); err != nil {
			return fmt.Errorf("plugin %q on_load: %w", name, err)
		}

		m.mu.Lock()
		m.loaded[name] = bundle
		if obs, ok := bundle.(EventObserver); ok {
			m.observers = append(m.observers, obs)
		}
		m.mu.Unlock()

		if m.tools != nil {
			for _, tool := range bundle.Tools() {
				m.tools.Register(tool)
			}
		}
		m.logger.Info(ctx, "plugin loaded", "plugin", name)
	}
	return nil
}

// Shutdown removes every loaded bundle's tools, then runs on_shutdown.
// Shutdown errors are logged, not returned; teardown always completes.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	loaded := make([]Bundle, 0, len(m.loaded))
	for _, b := range m.loaded {
		loaded = append(loaded, b)
	}
	m.loaded = make(map[string]Bundle)
	m.observers = nil
	m.mu.Unlock()

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name() < loaded[j].Name() })
	for _, bundle := range loaded {
		if m.tools != nil {
			for _, tool := range bundle.Tools() {
				m.tools.Unregister(tool.Name())
			}
		}
		if err := bundle.OnShutdown(ctx); err != nil {
			m.logger.Warn(ctx, "plugin shutdown failed", "plugin", bundle.Name(), "error", err)
		}
	}
}

// Loaded returns the names of loaded bundles, sorted.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsLoaded reports whether the named bundle is active.
func (m *Manager) IsLoaded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loaded[name]
	return ok
}

// ToolNames returns the tool names contributed by loaded bundles.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, bundle := range m.loaded {
		for _, tool := range bundle.Tools() {
			out = append(out, tool.Name())
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) snapshot() []EventObserver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventObserver(nil), m.observers...)
}

// The Manager itself implements agent.Hooks by fanning out to every
// observing bundle.

func (m *Manager) OnAgentStart(ctx context.Context, sessionID, message string) {
	for _, obs := range m.snapshot() {
		obs.OnAgentStart(ctx, sessionID, message)
	}
}

func (m *Manager) OnAgentFinish(ctx context.Context, sessionID, response string) {
	for _, obs := range m.snapshot() {
		obs.OnAgentFinish(ctx, sessionID, response)
	}
}

func (m *Manager) OnToolStart(ctx context.Context, sessionID, tool string, args map[string]any) {
	for _, obs := range m.snapshot() {
		obs.OnToolStart(ctx, sessionID, tool, args)
	}
}

func (m *Manager) OnToolEnd(ctx context.Context, sessionID, tool string, result *models.ToolResult) {
	for _, obs := range m.snapshot() {
		obs.OnToolEnd(ctx, sessionID, tool, result)
	}
}

func (m *Manager) OnError(ctx context.Context, sessionID string, err error) {
	for _, obs := range m.snapshot() {
		obs.OnError(ctx, sessionID, err)
	}
}
