package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/cron"
	"github.com/haasonsaas/loom/internal/gateway"
	"github.com/haasonsaas/loom/internal/hub"
	"github.com/haasonsaas/loom/internal/lane"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/personas"
	"github.com/haasonsaas/loom/internal/plugins"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/security"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/internal/tools/cronjobs"
	"github.com/haasonsaas/loom/internal/tools/subagent"
	"github.com/haasonsaas/loom/internal/tools/webfetch"
	"github.com/haasonsaas/loom/internal/tools/websearch"
	"github.com/haasonsaas/loom/internal/trace"
	"github.com/haasonsaas/loom/pkg/models"
)

const defaultConfigPath = "loom.yaml"

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		Long: `Start the server: load configuration, initialize providers and
plugins, recover persisted subagent runs, and listen for websocket and
REST clients. Graceful shutdown on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML or JSON5 configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	metrics := observability.NewMetrics()

	logger.Info(ctx, "starting loom",
		"version", version,
		"config", configPath,
		"addr", cfg.Server.Addr(),
		"provider", cfg.LLM.Provider,
	)

	traceDir := ""
	if cfg.Trace.Enabled {
		traceDir = cfg.Trace.Dir
	}
	tracer := trace.NewSink(traceDir,
		trace.WithMaxFieldChars(cfg.Trace.MaxFieldChars),
		trace.WithLogger(logger))
	defer tracer.Close()

	audit, err := security.NewAuditLog(cfg.Security.AuditDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	if audit != nil {
		defer audit.Close()
	}
	access := security.NewAccessControl(cfg.Security, audit, logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Registry.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	runStore, err := registry.OpenSQLite(cfg.Registry.DBPath)
	if err != nil {
		return err
	}
	defer runStore.Close()

	eventHub := hub.New(hub.WithLogger(logger))
	runs := registry.New(runStore,
		registry.WithEventSink(eventHub),
		registry.WithLogger(logger))
	if err := runs.Recover(ctx); err != nil {
		return fmt.Errorf("registry recovery failed: %w", err)
	}

	laneOpts := []lane.Option{lane.WithLogger(logger), lane.WithMetrics(metrics)}
	if cfg.Agent.MaxQueuedSubagents > 0 {
		laneOpts = append(laneOpts, lane.WithQueueBound(cfg.Agent.MaxQueuedSubagents))
	}
	subagentLane := lane.New(cfg.Agent.MaxConcurrentSubagents, laneOpts...)

	clients, err := providers.BuildAll(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	llm, err := providers.Select(cfg.LLM, clients, tracer, logger)
	if err != nil {
		return err
	}

	toolRegistry := agent.NewToolRegistry(logger)

	personaRegistry := personas.NewRegistry(nil, logger)
	pluginManager := plugins.NewManager(availablePlugins(), toolRegistry, logger)
	if err := pluginManager.Load(ctx, cfg.Plugins.Enabled); err != nil {
		return fmt.Errorf("plugin init failed: %w", err)
	}
	defer pluginManager.Shutdown(context.Background())

	factory := agent.PlannerFactory(func(sessionID string, isSubagent bool) *agent.Planner {
		persona := personas.DefaultPersona
		maxIterations := cfg.Agent.MaxIterations
		if isSubagent {
			persona = personas.SubagentPersona
			maxIterations = agent.SubagentMaxIterations
		}
		return agent.NewPlanner(sessionID, agent.PlannerConfig{
			SystemPrompt:        personaRegistry.SystemPrompt(ctx, persona),
			Role:                cfg.Security.DefaultRole,
			MaxIterations:       maxIterations,
			MaxToolCallsPerTurn: cfg.Agent.MaxToolCallsPerTurn,
			MaxHistoryMessages:  cfg.Agent.MaxHistoryMessages,
			EnableThinking:      cfg.Agent.EnableThinking,
			ThinkingStartMarker: cfg.Agent.ThinkingStartMarker,
			ThinkingEndMarker:   cfg.Agent.ThinkingEndMarker,
			ToolTimeout:         cfg.Agent.SubagentTimeout(),
			Subagent:            isSubagent,
		}, agent.PlannerDeps{
			LLM:       llm,
			Tools:     toolRegistry,
			Events:    eventHub,
			Tracer:    tracer,
			Access:    access,
			Hooks:     pluginManager,
			Logger:    logger,
			Metrics:   metrics,
			Summarize: summarizeDropped,
		})
	})

	spawnTool := subagent.NewSpawnTool(runs, subagentLane, factory, cfg.Agent.SubagentTimeout(), logger)
	toolRegistry.Register(spawnTool)
	toolRegistry.Register(subagent.NewStatusTool(runs))
	toolRegistry.Register(webfetch.New())
	toolRegistry.Register(websearch.New())

	sessionStore, err := session.OpenStore(cfg.Sessions.Dir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	sessions := session.NewManager(factory, cfg.Agent.Debounce(),
		session.WithStore(sessionStore),
		session.WithRunCanceller(spawnTool.CancelSessionRuns),
		session.WithLogger(logger))

	scheduler, err := cron.NewScheduler(cfg.Cron.StorePath,
		cronExecutor(sessions),
		cron.WithTickInterval(cfg.Cron.TickInterval()),
		cron.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to load cron jobs: %w", err)
	}
	toolRegistry.Register(cronjobs.New(scheduler))
	if cfg.Cron.Enabled {
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	personaRegistry.Validate(ctx, personas.Capabilities{
		Plugins:     toSet(pluginManager.Loaded()),
		CoreTools:   toSet(toolNames(toolRegistry)),
		PluginTools: toSet(pluginManager.ToolNames()),
	})

	server := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Sessions: sessions,
		Hub:      eventHub,
		Registry: runs,
		Lane:     subagentLane,
		Clients:  clients,
		Metrics:  metrics,
		Logger:   logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.Stop(shutdownCtx)
	return nil
}

// loadConfig reads the config file, or falls back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

// cronExecutor routes fired jobs through the session layer so scheduled
// tasks behave exactly like user messages.
func cronExecutor(sessions *session.Manager) cron.Executor {
	return func(ctx context.Context, task, sessionID string) error {
		if sessionID == "" {
			sessionID = "cron"
		}
		handle := sessions.HandleMessage(sessionID, task)
		_, err := handle.Wait(ctx)
		return err
	}
}

// availablePlugins lists the bundles compiled into this binary. Empty
// until first-party bundles land; config may only enable what is here.
func availablePlugins() []plugins.Bundle {
	return nil
}

// summarizeDropped folds history messages evicted from the window into a
// compact priming note.
func summarizeDropped(dropped []models.Message, previous string) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString(previous)
		b.WriteString("\n")
	}
	for _, msg := range dropped {
		text := msg.Content
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, text)
	}
	return strings.TrimSpace(b.String())
}

func toolNames(registry *agent.ToolRegistry) []string {
	tools := registry.List()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name())
	}
	return names
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}
