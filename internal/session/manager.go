// Package session coalesces bursts of user messages per session and
// serializes planner turns behind them.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// BurstSeparator joins coalesced messages in arrival order.
const BurstSeparator = "\n\n"

// Manager owns all sessions. Each session is an actor-like box: its
// buffer, timer, and planner are only touched under its own lock, and
// bursts run strictly sequentially.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	newPlanner agent.PlannerFactory
	debounce   time.Duration
	store      *Store
	cancelRuns RunCanceller
	logger     *observability.Logger
}

// RunCanceller aborts the background subagent runs a session owns and
// returns how many were cancelled.
type RunCanceller func(sessionID string) int

// Option configures a Manager.
type Option func(*Manager)

// WithStore enables history persistence.
func WithStore(store *Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithRunCanceller propagates session cancellation to background runs.
func WithRunCanceller(cancel RunCanceller) Option {
	return func(m *Manager) { m.cancelRuns = cancel }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager. The factory builds one planner
// per session; debounce is the coalescing window.
func NewManager(factory agent.PlannerFactory, debounce time.Duration, opts ...Option) *Manager {
	m := &Manager{
		sessions:   make(map[string]*session),
		newPlanner: factory,
		debounce:   debounce,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return m
}

type session struct {
	id      string
	planner *agent.Planner

	mu      sync.Mutex
	buffer  []string
	pending *ResultHandle
	timer   *time.Timer

	// lastDone is the completion channel of the most recently scheduled
	// burst. Each new burst captures it and waits for it to close before
	// running, so bursts execute strictly in schedule order.
	lastDone   chan struct{}
	cancelTurn context.CancelFunc
}

// HandleMessage buffers text for the session and returns the shared
// handle for the current burst. The debounce timer restarts on every
// arrival; when it fires the buffered messages are joined and handed to
// the planner as one turn.
func (m *Manager) HandleMessage(sessionID, text string) *ResultHandle {
	s := m.getOrCreate(sessionID)

	s.mu.Lock()
	s.buffer = append(s.buffer, text)
	if s.pending == nil {
		s.pending = newResultHandle()
	}
	handle := s.pending
	if s.timer != nil {
		s.timer.Stop()
	}
	if m.debounce > 0 {
		s.timer = time.AfterFunc(m.debounce, func() {
			m.fire(s)
		})
		s.mu.Unlock()
		return handle
	}
	s.mu.Unlock()

	// No coalescing window configured; the burst is this single message.
	m.fire(s)
	return handle
}

// fire drains the session buffer and runs one planner turn for it. An
// arrival after fire starts a fresh burst with a fresh handle.
func (m *Manager) fire(s *session) {
	s.mu.Lock()
	if len(s.buffer) == 0 || s.pending == nil {
		s.mu.Unlock()
		return
	}
	combined := strings.Join(s.buffer, BurstSeparator)
	handle := s.pending
	s.buffer = nil
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	prev := s.lastDone
	done := make(chan struct{})
	s.lastDone = done
	s.mu.Unlock()

	go m.runBurst(s, combined, handle, prev, done)
}

func (m *Manager) runBurst(s *session, combined string, handle *ResultHandle, prev, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	result, err := s.planner.RunTurn(ctx, combined)
	if err != nil {
		if errors.Is(err, agent.ErrTurnCancelled) {
			err = ErrCancelled
		}
		handle.resolve("", err)
		return
	}

	if m.store != nil {
		m.persistTurn(s.id, combined, result)
	}
	handle.resolve(result, nil)
}

func (m *Manager) persistTurn(sessionID, input, output string) {
	err := m.store.AppendMessages(sessionID, []models.Message{
		{Role: models.RoleUser, Content: input},
		{Role: models.RoleAssistant, Content: output},
	})
	if err != nil {
		m.logger.Warn(context.Background(), "failed to persist session turn",
			"session_id", sessionID, "error", err)
	}
}

// Cancel asserts the session's cancel signal: the in-flight turn is
// cancelled, any unfired burst fails immediately, and background runs
// the session spawned are aborted. Returns true if anything was
// cancelled.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	cancelled := false
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pending != nil {
		s.pending.resolve("", ErrCancelled)
		s.pending = nil
		s.buffer = nil
		cancelled = true
	}
	if s.cancelTurn != nil {
		s.cancelTurn()
		cancelled = true
	}
	s.mu.Unlock()

	if m.cancelRuns != nil {
		if n := m.cancelRuns(sessionID); n > 0 {
			cancelled = true
		}
	}
	return cancelled
}

// Clear discards the session's planner history and persisted messages.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		s.planner.ClearHistory()
	}
	if m.store != nil {
		if err := m.store.Clear(sessionID); err != nil {
			m.logger.Warn(context.Background(), "failed to clear persisted session",
				"session_id", sessionID, "error", err)
		}
	}
}

// Planner returns the session's planner, creating the session if needed.
func (m *Manager) Planner(sessionID string) *agent.Planner {
	return m.getOrCreate(sessionID).planner
}

// Sessions returns the known session ids, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) getOrCreate(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	s := &session{
		id:      sessionID,
		planner: m.newPlanner(sessionID, false),
	}
	if m.store != nil {
		if history, err := m.store.LoadHistory(sessionID); err == nil && len(history) > 0 {
			s.planner.SeedHistory(history)
		}
	}
	m.sessions[sessionID] = s
	return s
}
