package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	factory := func(sessionID string, subagent bool) *agent.Planner {
		t.Errorf("planner built for session %q; the request should have been rejected", sessionID)
		return agent.NewPlanner(sessionID, agent.PlannerConfig{}, agent.PlannerDeps{})
	}
	return NewServer(Deps{
		Config:   config.Default(),
		Sessions: session.NewManager(factory, 0),
	})
}

func TestHandleChat_RejectsPathEscapingSessionID(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	for _, id := range []string{"../x", "a/b", `a\b`, ".."} {
		body := `{"message":"hi","session_id":"` + strings.ReplaceAll(id, `\`, `\\`) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("session_id %q: expected 400, got %d", id, w.Code)
		}
	}
}

func TestHandleClear_RejectsPathEscapingSessionID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/clear/..%2Fx", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleWebsocket_RejectsPathEscapingSessionID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ws/..%2Fx", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
