// Package personas maps persona names to system prompts and capability
// requirements, and validates eligibility against the loaded plugin set.
package personas

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/loom/internal/observability"
)

// DefaultPersona is the fallback when a requested persona is unknown or
// ineligible.
const DefaultPersona = "default"

// SubagentPersona is used by spawned subagent planners.
const SubagentPersona = "subagent"

// Requirements lists the capabilities a persona needs before it can be
// activated.
type Requirements struct {
	Plugins     []string `yaml:"plugins"`
	CoreTools   []string `yaml:"core_tools"`
	PluginTools []string `yaml:"plugin_tools"`
}

// Persona is a named system prompt plus its requirements.
type Persona struct {
	Name         string       `yaml:"name"`
	SystemPrompt string       `yaml:"system_prompt"`
	Requires     Requirements `yaml:"requires"`
}

// Capabilities is what the runtime actually has loaded, checked against
// each persona's requirements.
type Capabilities struct {
	Plugins     map[string]bool
	CoreTools   map[string]bool
	PluginTools map[string]bool
}

// Registry holds the enabled personas and their eligibility state.
type Registry struct {
	mu         sync.RWMutex
	personas   map[string]*Persona
	ineligible map[string]string
	logger     *observability.Logger
}

// NewRegistry builds a registry from the given personas. The default
// persona is always present.
func NewRegistry(personas []*Persona, logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	r := &Registry{
		personas:   make(map[string]*Persona),
		ineligible: make(map[string]string),
		logger:     logger,
	}
	for _, p := range builtins() {
		r.personas[p.Name] = p
	}
	for _, p := range personas {
		if p.Name == "" {
			continue
		}
		r.personas[p.Name] = p
	}
	return r
}

// Validate checks every persona's requirements against caps, marking
// failures ineligible. The default persona is never marked ineligible.
func (r *Registry) Validate(ctx context.Context, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ineligible = make(map[string]string)
	for name, p := range r.personas {
		if name == DefaultPersona {
			continue
		}
		if reason := missingRequirement(p.Requires, caps); reason != "" {
			r.ineligible[name] = reason
			r.logger.Warn(ctx, "persona ineligible", "persona", name, "reason", reason)
		}
	}
}

func missingRequirement(req Requirements, caps Capabilities) string {
	for _, name := range req.Plugins {
		if !caps.Plugins[name] {
			return fmt.Sprintf("missing plugin %q", name)
		}
	}
	for _, name := range req.CoreTools {
		if !caps.CoreTools[name] {
			return fmt.Sprintf("missing core tool %q", name)
		}
	}
	for _, name := range req.PluginTools {
		if !caps.PluginTools[name] {
			return fmt.Sprintf("missing plugin tool %q", name)
		}
	}
	return ""
}

// Resolve returns the persona for name, falling back to default when the
// name is unknown or ineligible. The second return is the name actually
// used.
func (r *Registry) Resolve(ctx context.Context, name string) (*Persona, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = DefaultPersona
	}
	p, ok := r.personas[name]
	if !ok {
		r.logger.Warn(ctx, "unknown persona, using default", "persona", name)
		return r.personas[DefaultPersona], DefaultPersona
	}
	if reason, bad := r.ineligible[name]; bad {
		r.logger.Warn(ctx, "ineligible persona, using default",
			"persona", name, "reason", reason)
		return r.personas[DefaultPersona], DefaultPersona
	}
	return p, name
}

// SystemPrompt returns the resolved system prompt for name.
func (r *Registry) SystemPrompt(ctx context.Context, name string) string {
	p, _ := r.Resolve(ctx, name)
	return p.SystemPrompt
}

// Eligible reports whether name exists and passed validation.
func (r *Registry) Eligible(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.personas[name]; !ok {
		return false
	}
	_, bad := r.ineligible[name]
	return !bad
}

// Names returns all registered persona names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.personas))
	for name := range r.personas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// builtins are the personas every deployment carries.
func builtins() []*Persona {
	return []*Persona{
		{
			Name: DefaultPersona,
			SystemPrompt: "You are a helpful assistant orchestrating tools on behalf of the user. " +
				"Use the available tools when they help, delegate long-running work to subagents, " +
				"and answer concisely.",
		},
		{
			Name: SubagentPersona,
			SystemPrompt: "You are a focused subagent. Complete the single task you were given " +
				"using the available tools, then report the result. Do not ask follow-up questions.",
		},
	}
}
