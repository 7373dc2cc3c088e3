package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/loom/internal/session"
)

// writeJSON sends a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Provider  string `json:"provider,omitempty"`
}

// handleChat runs one synchronous chat turn. The request blocks through
// the debounce window and the planner turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if !session.ValidID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	if req.Provider != "" {
		if err := s.switchProvider(req.SessionID, req.Provider); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	handle := s.sessions.HandleMessage(req.SessionID, req.Message)
	result, err := handle.Wait(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":   result,
		"session_id": req.SessionID,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if !session.ValidID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	s.sessions.Clear(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "cleared",
		"session_id": sessionID,
	})
}

type providerRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.switchProvider(sessionID, req.Provider); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "switched",
		"session_id": sessionID,
		"provider":   req.Provider,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.lane.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"active_subagents": status.Active,
		"queued_subagents": status.Queued,
		"max_concurrent":   status.Max,
		"running_run_ids":  status.RunningIDs,
		"sessions":         s.sessions.Sessions(),
		"providers":        s.providerNames(),
	})
}

func (s *Server) handleSubagents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	runs := s.registry.ListBySession(sessionID)
	views := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		views = append(views, run.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"subagents": views})
}

// handleConfig exposes the non-secret runtime configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.config
	writeJSON(w, http.StatusOK, map[string]any{
		"llm": map[string]any{
			"provider":       cfg.LLM.Provider,
			"fallback_order": cfg.LLM.FallbackOrder,
			"providers":      s.providerNames(),
		},
		"agent": map[string]any{
			"max_concurrent_subagents": cfg.Agent.MaxConcurrentSubagents,
			"max_queued_subagents":     cfg.Agent.MaxQueuedSubagents,
			"max_tool_calls_per_turn":  cfg.Agent.MaxToolCallsPerTurn,
			"max_history_messages":     cfg.Agent.MaxHistoryMessages,
			"max_iterations":           cfg.Agent.MaxIterations,
			"enable_thinking":          cfg.Agent.EnableThinking,
			"subagent_timeout_seconds": cfg.Agent.SubagentTimeoutSeconds,
			"debounce_ms":              cfg.Agent.DebounceMs,
		},
	})
}
