package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/hub"
	"github.com/haasonsaas/loom/internal/lane"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/session"
)

// Deps bundles the subsystems the gateway serves.
type Deps struct {
	Config   *config.Config
	Sessions *session.Manager
	Hub      *hub.Hub
	Registry *registry.Registry
	Lane     *lane.Lane
	Clients  map[string]agent.LLMClient
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Server is the HTTP front door: websocket JSON-RPC plus REST.
type Server struct {
	config   *config.Config
	sessions *session.Manager
	hub      *hub.Hub
	registry *registry.Registry
	lane     *lane.Lane
	clients  map[string]agent.LLMClient
	metrics  *observability.Metrics
	logger   *observability.Logger

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer wires the gateway. Deps.Sessions, Hub, and Config are
// required.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Server{
		config:   deps.Config,
		sessions: deps.Sessions,
		hub:      deps.Hub,
		registry: deps.Registry,
		lane:     deps.Lane,
		clients:  deps.Clients,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/{session_id}", s.handleWebsocket)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /clear/{session_id}", s.handleClear)
	mux.HandleFunc("POST /provider/{session_id}", s.handleProvider)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /subagents/{session_id}", s.handleSubagents)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Server.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.mu.Lock()
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "gateway listening", "addr", addr)
	return nil
}

// Stop shuts the listener down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
	}
}

// providerNames returns the configured provider set, sorted.
func (s *Server) providerNames() []string {
	out := make([]string, 0, len(s.clients))
	for name := range s.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// switchProvider swaps the session's planner onto a different client.
func (s *Server) switchProvider(sessionID, provider string) error {
	client, ok := s.clients[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q (available: %v)", provider, s.providerNames())
	}
	s.sessions.Planner(sessionID).SetLLM(client)
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
