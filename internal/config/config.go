// Package config loads and validates the server configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration, loaded once at startup and immutable
// afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Security  SecurityConfig  `yaml:"security"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Personas  PersonasConfig  `yaml:"personas"`
	Trace     TraceConfig     `yaml:"trace"`
	Cron      CronConfig      `yaml:"cron"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Registry  RegistryConfig  `yaml:"registry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Port
	if port == 0 {
		port = 8000
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LLMConfig selects and configures providers.
type LLMConfig struct {
	Provider      string                    `yaml:"provider"`
	FallbackOrder []string                  `yaml:"fallback_order"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds per-provider credentials and model selection.
type ProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// AgentConfig tunes the planner and the subagent substrate.
type AgentConfig struct {
	MaxConcurrentSubagents int    `yaml:"max_concurrent_subagents"`
	MaxQueuedSubagents     int    `yaml:"max_queued_subagents"`
	MaxToolCallsPerTurn    int    `yaml:"max_tool_calls_per_turn"`
	MaxHistoryMessages     int    `yaml:"max_history_messages"`
	MaxIterations          int    `yaml:"max_iterations"`
	EnableThinking         bool   `yaml:"enable_thinking"`
	ThinkingStartMarker    string `yaml:"thinking_start_marker"`
	ThinkingEndMarker      string `yaml:"thinking_end_marker"`
	SubagentTimeoutSeconds int    `yaml:"subagent_timeout_seconds"`
	DebounceMs             int    `yaml:"debounce_ms"`
}

// SubagentTimeout returns the per-tool deadline as a duration.
func (a AgentConfig) SubagentTimeout() time.Duration {
	return time.Duration(a.SubagentTimeoutSeconds) * time.Second
}

// Debounce returns the session coalescing window as a duration.
func (a AgentConfig) Debounce() time.Duration {
	return time.Duration(a.DebounceMs) * time.Millisecond
}

// SecurityConfig gates tool calls by role.
type SecurityConfig struct {
	Enabled     bool                  `yaml:"enabled"`
	DefaultRole string                `yaml:"default_role"`
	Roles       map[string]RoleConfig `yaml:"roles"`
	AuditDir    string                `yaml:"audit_dir"`
}

// RoleConfig lists glob-patterned capability matchers. Deny overrides allow.
type RoleConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// PluginsConfig selects plugins to load at startup.
type PluginsConfig struct {
	Enabled []string `yaml:"enabled"`
}

// PersonasConfig selects personas to validate and expose.
type PersonasConfig struct {
	Enabled []string `yaml:"enabled"`
	Default string   `yaml:"default"`
}

// TraceConfig controls the per-session trace journal.
type TraceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	MaxFieldChars int    `yaml:"max_field_chars"`
}

// CronConfig controls the scheduler.
type CronConfig struct {
	Enabled          bool   `yaml:"enabled"`
	StorePath        string `yaml:"store_path"`
	TickIntervalSecs int    `yaml:"tick_interval_seconds"`
}

// TickInterval returns the scheduler wakeup interval.
func (c CronConfig) TickInterval() time.Duration {
	if c.TickIntervalSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TickIntervalSecs) * time.Second
}

// SessionsConfig controls session history persistence.
type SessionsConfig struct {
	Dir string `yaml:"dir"`
}

// RegistryConfig controls subagent run persistence.
type RegistryConfig struct {
	DBPath string `yaml:"db_path"`
}

// Default returns a configuration with the documented defaults applied.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8000},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		LLM:     LLMConfig{Provider: "gemini"},
		Agent: AgentConfig{
			MaxConcurrentSubagents: 3,
			MaxToolCallsPerTurn:    10,
			MaxHistoryMessages:     20,
			MaxIterations:          10,
			EnableThinking:         true,
			ThinkingStartMarker:    "<thought>",
			ThinkingEndMarker:      "</thought>",
			SubagentTimeoutSeconds: 120,
			DebounceMs:             500,
		},
		Security: SecurityConfig{DefaultRole: "user"},
		Personas: PersonasConfig{Default: "default"},
		Trace:    TraceConfig{Dir: "traces", MaxFieldChars: 4000},
		Cron:     CronConfig{StorePath: "data/cron_jobs.json"},
		Sessions: SessionsConfig{Dir: "data/sessions"},
		Registry: RegistryConfig{DBPath: "data/subagents.db"},
	}
}

// applyDefaults fills zero values after decoding.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = def.LLM.Provider
	}
	if c.Agent.MaxConcurrentSubagents == 0 {
		c.Agent.MaxConcurrentSubagents = def.Agent.MaxConcurrentSubagents
	}
	if c.Agent.MaxToolCallsPerTurn == 0 {
		c.Agent.MaxToolCallsPerTurn = def.Agent.MaxToolCallsPerTurn
	}
	if c.Agent.MaxHistoryMessages == 0 {
		c.Agent.MaxHistoryMessages = def.Agent.MaxHistoryMessages
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = def.Agent.MaxIterations
	}
	if c.Agent.ThinkingStartMarker == "" {
		c.Agent.ThinkingStartMarker = def.Agent.ThinkingStartMarker
	}
	if c.Agent.ThinkingEndMarker == "" {
		c.Agent.ThinkingEndMarker = def.Agent.ThinkingEndMarker
	}
	if c.Agent.SubagentTimeoutSeconds == 0 {
		c.Agent.SubagentTimeoutSeconds = def.Agent.SubagentTimeoutSeconds
	}
	if c.Agent.DebounceMs == 0 {
		c.Agent.DebounceMs = def.Agent.DebounceMs
	}
	if c.Security.DefaultRole == "" {
		c.Security.DefaultRole = def.Security.DefaultRole
	}
	if c.Personas.Default == "" {
		c.Personas.Default = def.Personas.Default
	}
	if c.Trace.Dir == "" {
		c.Trace.Dir = def.Trace.Dir
	}
	if c.Trace.MaxFieldChars == 0 {
		c.Trace.MaxFieldChars = def.Trace.MaxFieldChars
	}
	if c.Cron.StorePath == "" {
		c.Cron.StorePath = def.Cron.StorePath
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = def.Sessions.Dir
	}
	if c.Registry.DBPath == "" {
		c.Registry.DBPath = def.Registry.DBPath
	}
}

// Validate checks for configuration errors that must abort startup.
func (c *Config) Validate() error {
	if c.Agent.MaxConcurrentSubagents < 1 {
		return fmt.Errorf("agent.max_concurrent_subagents must be >= 1")
	}
	if c.Agent.MaxHistoryMessages < 1 {
		return fmt.Errorf("agent.max_history_messages must be >= 1")
	}
	if c.Agent.DebounceMs < 0 {
		return fmt.Errorf("agent.debounce_ms must be >= 0")
	}
	if c.LLM.Provider != "" {
		if _, ok := c.LLM.Providers[c.LLM.Provider]; !ok && len(c.LLM.Providers) > 0 {
			return fmt.Errorf("llm.provider %q has no matching llm.providers entry", c.LLM.Provider)
		}
	}
	for _, name := range c.LLM.FallbackOrder {
		if _, ok := c.LLM.Providers[name]; !ok {
			return fmt.Errorf("llm.fallback_order references unknown provider %q", name)
		}
	}
	if c.Security.Enabled {
		if _, ok := c.Security.Roles[c.Security.DefaultRole]; !ok {
			return fmt.Errorf("security.default_role %q is not defined in security.roles", c.Security.DefaultRole)
		}
	}
	return nil
}
