package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/lane"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/pkg/models"
)

// stubStore is an in-memory registry.Store.
type stubStore struct {
	mu   sync.Mutex
	runs map[string]*models.SubAgentRun
}

func newStubStore() *stubStore {
	return &stubStore{runs: make(map[string]*models.SubAgentRun)}
}

func (s *stubStore) Upsert(ctx context.Context, run *models.SubAgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *stubStore) Get(ctx context.Context, runID string) (*models.SubAgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return run.Clone(), nil
}

func (s *stubStore) ListNonTerminal(ctx context.Context) ([]*models.SubAgentRun, error) {
	return nil, nil
}

func (s *stubStore) Close() error { return nil }

// stubLLM replies with a fixed string; with block set it waits for the
// channel to close or the context to end first.
type stubLLM struct {
	reply string
	block chan struct{}
}

func (s *stubLLM) Name() string  { return "stub" }
func (s *stubLLM) Model() string { return "stub-1" }

func (s *stubLLM) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.LLMResponse, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &agent.LLMResponse{Content: s.reply, FinishReason: agent.FinishStop}, nil
}

func subagentFactory(llm agent.LLMClient) agent.PlannerFactory {
	return func(sessionID string, isSubagent bool) *agent.Planner {
		return agent.NewPlanner(sessionID, agent.PlannerConfig{Subagent: isSubagent},
			agent.PlannerDeps{LLM: llm})
	}
}

func spawn(t *testing.T, tool *SpawnTool, sessionID, task string) string {
	t.Helper()
	result, err := tool.Execute(context.Background(), map[string]any{
		"task":       task,
		"session_id": sessionID,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !result.Success {
		t.Fatalf("spawn failed: %s", result.Output)
	}
	runID, _ := result.Data["run_id"].(string)
	if runID == "" {
		t.Fatal("expected a run_id in the tool result")
	}
	return runID
}

func waitForStatus(t *testing.T, reg *registry.Registry, runID string, want models.RunStatus) *models.SubAgentRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := reg.Get(runID)
		if err == nil && run.Status == want {
			return run
		}
		if time.Now().After(deadline) {
			last := "missing"
			if err == nil {
				last = string(run.Status)
			}
			t.Fatalf("run %s never reached %s (last %s)", runID, want, last)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpawnTool_ReturnsRunIDImmediately(t *testing.T) {
	release := make(chan struct{})
	llm := &stubLLM{reply: "later", block: release}
	reg := registry.New(newStubStore())
	ln := lane.New(1)
	tool := NewSpawnTool(reg, ln, subagentFactory(llm), 0, nil)

	result, err := tool.Execute(context.Background(), map[string]any{
		"task":       "dig into the logs",
		"session_id": "s1",
		"label":      "logs",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected immediate success, got %s", result.Output)
	}
	if result.Data["status"] != string(models.RunPending) {
		t.Errorf("expected PENDING in the result, got %v", result.Data["status"])
	}
	runID, _ := result.Data["run_id"].(string)
	if runID == "" {
		t.Fatal("expected a run_id while the work is still in flight")
	}

	close(release)
	waitForStatus(t, reg, runID, models.RunCompleted)
}

func TestSpawnTool_LifecycleToCompleted(t *testing.T) {
	llm := &stubLLM{reply: "findings"}
	reg := registry.New(newStubStore())
	ln := lane.New(1)
	tool := NewSpawnTool(reg, ln, subagentFactory(llm), 0, nil)

	runID := spawn(t, tool, "s1", "summarize the report")
	run := waitForStatus(t, reg, runID, models.RunCompleted)
	if run.Result != "findings" {
		t.Errorf("expected the planner's reply recorded, got %q", run.Result)
	}
	if run.Error != "" {
		t.Errorf("completed run must carry no error, got %q", run.Error)
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Error("expected started_at and completed_at stamped")
	}
}

func TestSpawnTool_TimeoutMarksRun(t *testing.T) {
	llm := &stubLLM{reply: "never", block: make(chan struct{})}
	reg := registry.New(newStubStore())
	ln := lane.New(1)
	tool := NewSpawnTool(reg, ln, subagentFactory(llm), 50*time.Millisecond, nil)

	runID := spawn(t, tool, "s1", "stall forever")
	run := waitForStatus(t, reg, runID, models.RunTimeout)
	if !strings.HasPrefix(run.Error, "timed out after ") {
		t.Errorf("expected a timeout reason, got %q", run.Error)
	}
}

func TestSpawnTool_MissingTask(t *testing.T) {
	reg := registry.New(newStubStore())
	tool := NewSpawnTool(reg, lane.New(1), subagentFactory(&stubLLM{}), 0, nil)

	result, err := tool.Execute(context.Background(), map[string]any{"session_id": "s1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Error("expected failure without a task")
	}
	if result.Output != "task is required" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestSpawnTool_BackpressureMarksRunError(t *testing.T) {
	release := make(chan struct{})
	llm := &stubLLM{reply: "ok", block: release}
	reg := registry.New(newStubStore())
	ln := lane.New(1, lane.WithQueueBound(1))
	tool := NewSpawnTool(reg, ln, subagentFactory(llm), 0, nil)

	first := spawn(t, tool, "s1", "occupy the slot")
	waitForStatus(t, reg, first, models.RunRunning)
	second := spawn(t, tool, "s1", "fill the queue")

	result, err := tool.Execute(context.Background(), map[string]any{
		"task":       "one too many",
		"session_id": "s1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected the overflow spawn to fail fast")
	}
	if !strings.Contains(result.Output, "backpressure") {
		t.Errorf("unexpected output %q", result.Output)
	}
	third, _ := result.Data["run_id"].(string)
	run := waitForStatus(t, reg, third, models.RunError)
	if run.Error != "backpressure" {
		t.Errorf("expected backpressure recorded, got %q", run.Error)
	}

	close(release)
	waitForStatus(t, reg, first, models.RunCompleted)
	waitForStatus(t, reg, second, models.RunCompleted)
}

func TestSpawnTool_CancelSessionRuns(t *testing.T) {
	llm := &stubLLM{reply: "never", block: make(chan struct{})}
	reg := registry.New(newStubStore())
	ln := lane.New(1)
	tool := NewSpawnTool(reg, ln, subagentFactory(llm), 0, nil)

	running := spawn(t, tool, "s1", "long haul")
	waitForStatus(t, reg, running, models.RunRunning)
	queued := spawn(t, tool, "s1", "waiting in line")
	other := spawn(t, tool, "s2", "unrelated session")

	if n := tool.CancelSessionRuns("s1"); n != 2 {
		t.Fatalf("expected 2 cancelled runs, got %d", n)
	}

	for _, runID := range []string{running, queued} {
		run := waitForStatus(t, reg, runID, models.RunError)
		if run.Error != "cancelled" {
			t.Errorf("run %s: expected cancelled, got %q", runID, run.Error)
		}
	}

	// The other session's run is untouched and still schedulable.
	if run, err := reg.Get(other); err != nil || run.Status.Terminal() {
		t.Errorf("unrelated run affected: %+v (%v)", run, err)
	}
	if n := tool.CancelSessionRuns("s1"); n != 0 {
		t.Errorf("expected terminal runs to be skipped, got %d", n)
	}
}
