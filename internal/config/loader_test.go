package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	writeFile(t, path, "server:\n  port: 9100\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("expected explicit port, got %d", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "0.0.0.0:9100" {
		t.Errorf("unexpected addr %q", cfg.Server.Addr())
	}
	if cfg.Agent.MaxConcurrentSubagents != 3 {
		t.Errorf("expected default concurrency 3, got %d", cfg.Agent.MaxConcurrentSubagents)
	}
	if cfg.Agent.Debounce() != 500*time.Millisecond {
		t.Errorf("expected default debounce 500ms, got %v", cfg.Agent.Debounce())
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("expected default provider, got %q", cfg.LLM.Provider)
	}
	if cfg.Security.DefaultRole != "user" {
		t.Errorf("expected default role, got %q", cfg.Security.DefaultRole)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-from-env")
	path := filepath.Join(t.TempDir(), "loom.yaml")
	writeFile(t, path, `
llm:
  provider: openai
  providers:
    openai:
      api_key: ${LOOM_TEST_KEY}
      model: gpt-4o
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "sk-from-env" {
		t.Errorf("expected env expansion, got %q", got)
	}
}

func TestLoad_ResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
server:
  host: 127.0.0.1
  port: 9000
logging:
  level: debug
`)
	main := filepath.Join(dir, "loom.yaml")
	writeFile(t, main, `
$include: base.yaml
server:
  port: 9001
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// The including file wins on conflicts; untouched keys come from the base.
	if cfg.Server.Port != 9001 {
		t.Errorf("expected override port 9001, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected included host, got %q", cfg.Server.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected included log level, got %q", cfg.Logging.Level)
	}
}

func TestLoad_IncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	writeFile(t, a, "$include: b.yaml\n")
	writeFile(t, b, "$include: a.yaml\n")

	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle error, got %v", err)
	}
}

func TestLoad_JSON5Config(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.json5")
	writeFile(t, path, `{
	// comments are allowed here
	server: {port: 9200},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("expected port 9200, got %d", cfg.Server.Port)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	writeFile(t, path, "serverr:\n  port: 9100\n")

	if _, err := Load(path); err == nil {
		t.Error("expected unknown top-level key to be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load("  "); err == nil {
		t.Error("expected error for blank path")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Agent.MaxConcurrentSubagents = 0 },
			wantErr: "max_concurrent_subagents",
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.Agent.DebounceMs = -1 },
			wantErr: "debounce_ms",
		},
		{
			name: "provider without entry",
			mutate: func(c *Config) {
				c.LLM.Provider = "openai"
				c.LLM.Providers = map[string]ProviderConfig{"gemini": {}}
			},
			wantErr: "no matching",
		},
		{
			name: "fallback references unknown provider",
			mutate: func(c *Config) {
				c.LLM.Providers = map[string]ProviderConfig{"gemini": {}}
				c.LLM.FallbackOrder = []string{"mystery"}
			},
			wantErr: "fallback_order",
		},
		{
			name: "enabled security without default role",
			mutate: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Roles = map[string]RoleConfig{"admin": {}}
			},
			wantErr: "default_role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
