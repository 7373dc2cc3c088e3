package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("cron job not found")

// Executor fires one job. Failures are logged; the schedule advances
// regardless.
type Executor func(ctx context.Context, task, sessionID string) error

// Scheduler wakes on a fixed interval and fires every enabled job whose
// next_run has passed.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job

	path     string
	executor Executor
	interval time.Duration
	now      func() time.Time
	logger   *observability.Logger

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the wakeup interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler creates a scheduler persisting jobs at path and firing
// them through executor.
func NewScheduler(path string, executor Executor, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		jobs:     make(map[string]*Job),
		path:     path,
		executor: executor,
		interval: 30 * time.Second,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}

	jobs, err := loadJobs(path)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return s, nil
}

// Start launches the ticker loop. Call Stop to shut down.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
	return nil
}

// Stop halts the ticker loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every due job once. Exposed for tests and for a manual
// trigger endpoint.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job, now)
	}
	if len(due) > 0 {
		s.persist()
	}
}

// fire runs one job and advances its schedule. A failed execution still
// advances next_run; there is no immediate retry.
func (s *Scheduler) fire(ctx context.Context, job *Job, now time.Time) {
	err := s.executor(ctx, job.Task, job.SessionID)
	if err != nil {
		s.logger.Warn(ctx, "cron job failed", "job_id", job.ID, "error", err)
	} else {
		s.logger.Info(ctx, "cron job fired", "job_id", job.ID)
	}

	next, nextErr := NextRun(job.Expression, now)

	s.mu.Lock()
	fired := now
	job.LastRun = &fired
	job.RunCount++
	if nextErr == nil {
		job.NextRun = next
	} else {
		// An expression that no longer parses stops firing.
		job.Enabled = false
		s.logger.Error(ctx, "disabling cron job with bad expression",
			"job_id", job.ID, "error", nextErr)
	}
	s.mu.Unlock()
}

// AddJob validates the expression, assigns an id, and persists the job.
func (s *Scheduler) AddJob(expression, task, sessionID string) (*Job, error) {
	now := s.now()
	next, err := NextRun(expression, now)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:         uuid.NewString(),
		Expression: expression,
		Task:       task,
		Enabled:    true,
		SessionID:  sessionID,
		NextRun:    next,
		CreatedAt:  now.UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	// Snapshot before unlocking; a tick may advance the live record at
	// any point after that.
	cp := job.clone()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return nil, err
	}
	return cp, nil
}

// RemoveJob deletes a job and persists the change.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.persist()
}

// SetEnabled toggles a job and persists the change. Re-enabling
// recomputes next_run from now so a long-disabled job does not fire
// immediately for missed slots.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.Enabled = enabled
	if enabled {
		if next, err := NextRun(job.Expression, s.now()); err == nil {
			job.NextRun = next
		}
	}
	s.mu.Unlock()
	return s.persist()
}

// Jobs returns a snapshot of all jobs sorted by creation time.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// persist snapshots the job set under the lock; marshaling happens on the
// copies so a concurrent fire cannot race the encoder.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	s.mu.Unlock()

	if err := saveJobs(s.path, jobs); err != nil {
		s.logger.Error(context.Background(), "failed to persist cron jobs", "error", err)
		return err
	}
	return nil
}
