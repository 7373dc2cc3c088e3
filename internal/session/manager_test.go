package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

// scriptedLLM echoes the last user message and records every prompt it
// receives, one entry per planner turn.
type scriptedLLM struct {
	mu      sync.Mutex
	inputs  []string
	block   chan struct{}
	turns   atomic.Int32
	respond func(last string) string
}

func (s *scriptedLLM) Name() string  { return "scripted" }
func (s *scriptedLLM) Model() string { return "scripted-1" }

func (s *scriptedLLM) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.LLMResponse, error) {
	last := ""
	for _, msg := range req.Messages {
		if msg.Role == models.RoleUser {
			last = msg.Content
		}
	}
	s.mu.Lock()
	s.inputs = append(s.inputs, last)
	s.mu.Unlock()
	s.turns.Add(1)

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	content := "echo: " + last
	if s.respond != nil {
		content = s.respond(last)
	}
	return &agent.LLMResponse{Content: content, FinishReason: agent.FinishStop}, nil
}

func (s *scriptedLLM) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

func newTestManager(llm *scriptedLLM, debounce time.Duration) *Manager {
	factory := func(sessionID string, subagent bool) *agent.Planner {
		return agent.NewPlanner(sessionID, agent.PlannerConfig{
			MaxIterations:      3,
			MaxHistoryMessages: 10,
		}, agent.PlannerDeps{LLM: llm})
	}
	return NewManager(factory, debounce)
}

func TestManager_CoalescesBurst(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestManager(llm, 50*time.Millisecond)

	h1 := m.HandleMessage("s1", "A")
	h2 := m.HandleMessage("s1", "B")
	h3 := m.HandleMessage("s1", "C")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1, err := h1.Wait(ctx)
	if err != nil {
		t.Fatalf("first handle failed: %v", err)
	}
	r2, _ := h2.Wait(ctx)
	r3, _ := h3.Wait(ctx)

	if r1 != r2 || r2 != r3 {
		t.Errorf("expected identical results, got %q, %q, %q", r1, r2, r3)
	}
	if r1 != "echo: A\n\nB\n\nC" {
		t.Errorf("expected coalesced burst in arrival order, got %q", r1)
	}
	if got := llm.turns.Load(); got != 1 {
		t.Errorf("expected exactly 1 planner invocation, got %d", got)
	}
}

func TestManager_ZeroDebounceFiresImmediately(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestManager(llm, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := m.HandleMessage("s1", "hello").Wait(ctx)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if result != "echo: hello" {
		t.Errorf("unexpected result %q", result)
	}
}

func TestManager_SequentialBursts(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestManager(llm, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := m.HandleMessage("s1", "first").Wait(ctx); err != nil {
		t.Fatalf("first burst failed: %v", err)
	}
	if _, err := m.HandleMessage("s1", "second").Wait(ctx); err != nil {
		t.Fatalf("second burst failed: %v", err)
	}

	inputs := llm.recorded()
	if len(inputs) != 2 {
		t.Fatalf("expected 2 separate turns, got %d", len(inputs))
	}
	if inputs[0] != "first" || inputs[1] != "second" {
		t.Errorf("bursts out of order: %v", inputs)
	}
}

func TestManager_ArrivalMidPlanningStartsFreshBurst(t *testing.T) {
	release := make(chan struct{})
	llm := &scriptedLLM{block: release}
	m := newTestManager(llm, 10*time.Millisecond)

	first := m.HandleMessage("s1", "slow")

	// Wait until the first burst's turn is in flight.
	deadline := time.Now().Add(time.Second)
	for llm.turns.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first turn never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	second := m.HandleMessage("s1", "late")
	if second == first {
		t.Fatal("expected a fresh handle for an arrival mid-planning")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1, err := first.Wait(ctx)
	if err != nil {
		t.Fatalf("first burst failed: %v", err)
	}
	if r1 != "echo: slow" {
		t.Errorf("first burst got %q", r1)
	}
	r2, err := second.Wait(ctx)
	if err != nil {
		t.Fatalf("second burst failed: %v", err)
	}
	if r2 != "echo: late" {
		t.Errorf("second burst got %q", r2)
	}
}

func TestManager_CancelFailsPendingBurst(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestManager(llm, time.Hour)

	handle := m.HandleMessage("s1", "never fires")
	if !m.Cancel("s1") {
		t.Fatal("expected cancel to report true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if llm.turns.Load() != 0 {
		t.Errorf("expected no planner invocation, got %d", llm.turns.Load())
	}
}

func TestManager_CancelInFlightTurn(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	llm := &scriptedLLM{block: release}
	m := newTestManager(llm, 5*time.Millisecond)

	handle := m.HandleMessage("s1", "long running")

	deadline := time.Now().Add(time.Second)
	for llm.turns.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if !m.Cancel("s1") {
		t.Fatal("expected cancel to report true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := handle.Wait(ctx)
	if err == nil {
		t.Fatal("expected cancelled turn to fail the handle")
	}
}

func TestManager_CancelPropagatesToBackgroundRuns(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	llm := &scriptedLLM{block: release}

	var mu sync.Mutex
	var cancelledSessions []string
	factory := func(sessionID string, subagent bool) *agent.Planner {
		return agent.NewPlanner(sessionID, agent.PlannerConfig{
			MaxIterations:      3,
			MaxHistoryMessages: 10,
		}, agent.PlannerDeps{LLM: llm})
	}
	m := NewManager(factory, 5*time.Millisecond,
		WithRunCanceller(func(sessionID string) int {
			mu.Lock()
			defer mu.Unlock()
			cancelledSessions = append(cancelledSessions, sessionID)
			return 1
		}))

	handle := m.HandleMessage("s1", "spawn things")
	deadline := time.Now().Add(time.Second)
	for llm.turns.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if !m.Cancel("s1") {
		t.Fatal("expected cancel to report true")
	}

	mu.Lock()
	got := append([]string(nil), cancelledSessions...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "s1" {
		t.Errorf("expected background runs of s1 cancelled, got %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err == nil {
		t.Error("expected the cancelled turn to fail the handle")
	}
}

func TestManager_BurstsRunInScheduleOrder(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestManager(llm, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var handles []*ResultHandle
	for i := 0; i < 20; i++ {
		handles = append(handles, m.HandleMessage("s1", fmt.Sprintf("m%02d", i)))
	}
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("burst failed: %v", err)
		}
	}

	inputs := llm.recorded()
	if len(inputs) != 20 {
		t.Fatalf("expected 20 turns, got %d", len(inputs))
	}
	for i, in := range inputs {
		if want := fmt.Sprintf("m%02d", i); in != want {
			t.Fatalf("bursts ran out of schedule order at %d: got %q, want %q", i, in, want)
		}
	}
}

func TestManager_CancelUnknownSession(t *testing.T) {
	m := newTestManager(&scriptedLLM{}, time.Millisecond)
	if m.Cancel("ghost") {
		t.Error("expected cancel of unknown session to report false")
	}
}

func TestManager_SessionsSorted(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestManager(llm, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.HandleMessage("zebra", "x").Wait(ctx)
	m.HandleMessage("alpha", "y").Wait(ctx)

	got := m.Sessions()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zebra" {
		t.Errorf("expected sorted session ids, got %v", got)
	}
}
