// Package registry tracks subagent runs through their lifecycle, persists
// every transition, and notifies per-session subscribers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// ErrInvalidTransition is returned when an update would violate the run
// state machine.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// OrphanThreshold is how long a recovered RUNNING run may be stranded
// before the recovery pass marks it as errored.
const OrphanThreshold = 10 * time.Minute

// Update carries the mutable fields of a transition.
type Update struct {
	Status models.RunStatus
	Result string
	Error  string
}

// Sink receives run events for one session.
type Sink func(event models.Event)

// Registry is the durable record of every subagent run.
//
// The in-memory map is committed only after the store write succeeds, so
// a persistence failure leaves memory at the last durable state.
type Registry struct {
	mu       sync.Mutex
	runs     map[string]*models.SubAgentRun
	runLocks map[string]*sync.Mutex

	subMu   sync.Mutex
	subs    map[string]map[int]Sink
	nextSub int

	store  Store
	events EventSink
	logger *observability.Logger
}

// EventSink mirrors the hub's publish surface so the registry can fan out
// run events without importing the hub.
type EventSink interface {
	Publish(sessionID string, event models.Event)
}

// Option configures a Registry.
type Option func(*Registry)

// WithEventSink wires run events into the pub/sub hub.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) { r.events = sink }
}

// WithLogger sets the registry's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates a registry backed by the given store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		runs:     make(map[string]*models.SubAgentRun),
		runLocks: make(map[string]*sync.Mutex),
		subs:     make(map[string]map[int]Sink),
		store:    store,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return r
}

// Recover loads non-terminal runs from the store and marks long-stranded
// RUNNING entries as errored with reason "orphaned". Call once at startup
// before accepting traffic.
func (r *Registry) Recover(ctx context.Context) error {
	runs, err := r.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-OrphanThreshold)
	for _, run := range runs {
		if run.Status == models.RunRunning && run.StartedAt != nil && run.StartedAt.Before(cutoff) {
			now := time.Now().UTC()
			run.Status = models.RunError
			run.Error = "orphaned"
			run.CompletedAt = &now
			if err := r.store.Upsert(ctx, run); err != nil {
				r.logger.Error(ctx, "failed to persist orphan mark", "run_id", run.RunID, "error", err)
				continue
			}
			r.logger.Warn(ctx, "marked stranded run as orphaned", "run_id", run.RunID)
		}
		r.mu.Lock()
		r.runs[run.RunID] = run
		r.mu.Unlock()
	}
	if len(runs) > 0 {
		r.logger.Info(ctx, "recovered runs from store", "count", len(runs))
	}
	return nil
}

// Register persists a new run and emits agent.registered to the parent
// session. A missing run id is assigned; a missing status defaults to
// PENDING.
func (r *Registry) Register(ctx context.Context, run *models.SubAgentRun) (*models.SubAgentRun, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	lock := r.lockRun(run.RunID)
	defer lock.Unlock()

	record := run.Clone()
	if err := r.store.Upsert(ctx, record); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.runs[record.RunID] = record
	r.mu.Unlock()

	r.notify(record.ParentSessionID, models.NewEvent(record.ParentSessionID, models.EventRegistered, record.View()))
	r.logger.Debug(ctx, "run registered", "run_id", record.RunID, "session_id", record.ParentSessionID)
	return record.Clone(), nil
}

// UpdateRun applies a status transition, persists it, and emits
// agent.updated. Transitions that violate the state machine are rejected
// with ErrInvalidTransition; a persistence failure leaves the in-memory
// state untouched.
func (r *Registry) UpdateRun(ctx context.Context, runID string, update Update) (*models.SubAgentRun, error) {
	lock := r.lockRun(runID)
	defer lock.Unlock()

	r.mu.Lock()
	current, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if !models.ValidTransition(current.Status, update.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, update.Status)
	}

	next := current.Clone()
	now := time.Now().UTC()
	next.Status = update.Status
	switch update.Status {
	case models.RunRunning:
		next.StartedAt = &now
	case models.RunCompleted:
		next.Result = update.Result
		next.Error = ""
		next.CompletedAt = &now
	case models.RunError, models.RunTimeout:
		next.Error = update.Error
		next.Result = ""
		next.CompletedAt = &now
	}

	if err := r.store.Upsert(ctx, next); err != nil {
		// Memory still reflects the last durable state.
		return nil, err
	}

	r.mu.Lock()
	r.runs[runID] = next
	r.mu.Unlock()

	r.notify(next.ParentSessionID, models.NewEvent(next.ParentSessionID, models.EventUpdated, next.View()))
	r.logger.Debug(ctx, "run updated", "run_id", runID, "status", string(next.Status))
	return next.Clone(), nil
}

// Get returns a copy of the run, or ErrRunNotFound.
func (r *Registry) Get(runID string) (*models.SubAgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.Clone(), nil
}

// ListBySession returns copies of all runs for a session, oldest first.
func (r *Registry) ListBySession(sessionID string) []*models.SubAgentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SubAgentRun
	for _, run := range r.runs {
		if run.ParentSessionID == sessionID {
			out = append(out, run.Clone())
		}
	}
	sortRuns(out)
	return out
}

// ListActive returns copies of all non-terminal runs.
func (r *Registry) ListActive() []*models.SubAgentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SubAgentRun
	for _, run := range r.runs {
		if !run.Status.Terminal() {
			out = append(out, run.Clone())
		}
	}
	sortRuns(out)
	return out
}

// Subscribe registers a listener for one session's run events and returns
// an unsubscribe function.
func (r *Registry) Subscribe(sessionID string, sink Sink) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.subs[sessionID] == nil {
		r.subs[sessionID] = make(map[int]Sink)
	}
	id := r.nextSub
	r.nextSub++
	r.subs[sessionID][id] = sink
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs[sessionID], id)
		if len(r.subs[sessionID]) == 0 {
			delete(r.subs, sessionID)
		}
	}
}

// notify delivers a run event to session subscribers and the wired hub.
// Sinks run synchronously under the caller's per-run lock, preserving
// per-run event order.
func (r *Registry) notify(sessionID string, event models.Event) {
	r.subMu.Lock()
	sinks := make([]Sink, 0, len(r.subs[sessionID]))
	for _, sink := range r.subs[sessionID] {
		sinks = append(sinks, sink)
	}
	r.subMu.Unlock()

	for _, sink := range sinks {
		sink(event)
	}
	if r.events != nil {
		r.events.Publish(sessionID, event)
	}
}

func (r *Registry) lockRun(runID string) *sync.Mutex {
	r.mu.Lock()
	lock, ok := r.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		r.runLocks[runID] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock
}

func sortRuns(runs []*models.SubAgentRun) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}
