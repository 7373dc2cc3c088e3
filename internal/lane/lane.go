// Package lane provides a bounded FIFO queue that executes jobs with a
// fixed concurrency limit and per-job cancellation.
package lane

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/haasonsaas/loom/internal/observability"
)

// ErrCancelled marks a handle failed by Cancel before or during execution.
var ErrCancelled = errors.New("cancelled")

// ErrBackpressure is returned by Enqueue when the queue bound is reached.
var ErrBackpressure = errors.New("backpressure")

// ErrDuplicateJob is returned when a job id is already queued or running.
var ErrDuplicateJob = errors.New("duplicate job id")

// Operation is the deferred work submitted to the lane.
type Operation func(ctx context.Context) (any, error)

// Handle resolves to an operation's result or failure.
type Handle struct {
	jobID  string
	done   chan struct{}
	result any
	err    error
}

// JobID returns the id the handle was enqueued under.
func (h *Handle) JobID() string { return h.jobID }

// Done returns a channel closed when the operation completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the operation completes or ctx is done. Waiting is
// per-caller: a caller abandoning its wait does not affect the operation.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(result any, err error) {
	h.result = result
	h.err = err
	close(h.done)
}

// Status is a consistent snapshot of the lane.
type Status struct {
	Max        int      `json:"max_concurrent"`
	Active     int      `json:"active"`
	Queued     int      `json:"queued"`
	RunningIDs []string `json:"running_ids"`
}

type queuedJob struct {
	jobID  string
	op     Operation
	handle *Handle
}

type runningJob struct {
	handle *Handle
	cancel context.CancelFunc
}

// Lane dispatches queued operations FIFO with at most Max running at once.
type Lane struct {
	mu       sync.Mutex
	max      int
	maxQueue int
	queue    []*queuedJob
	running  map[string]*runningJob
	queued   map[string]*queuedJob
	baseCtx  context.Context

	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a Lane.
type Option func(*Lane)

// WithQueueBound caps the number of queued jobs. Zero means unbounded.
func WithQueueBound(n int) Option {
	return func(l *Lane) { l.maxQueue = n }
}

// WithLogger sets the lane's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(l *Lane) { l.logger = logger }
}

// WithMetrics wires occupancy gauges.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Lane) { l.metrics = m }
}

// New creates a lane that runs at most max operations concurrently.
func New(max int, opts ...Option) *Lane {
	if max < 1 {
		max = 1
	}
	l := &Lane{
		max:     max,
		running: make(map[string]*runningJob),
		queued:  make(map[string]*queuedJob),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue appends an operation and returns its completion handle. It
// fails fast with ErrBackpressure when a queue bound is configured and
// reached, and with ErrDuplicateJob on id reuse.
func (l *Lane) Enqueue(jobID string, op Operation) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.running[jobID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}
	if _, exists := l.queued[jobID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}
	if l.maxQueue > 0 && len(l.queue) >= l.maxQueue {
		return nil, ErrBackpressure
	}

	job := &queuedJob{
		jobID:  jobID,
		op:     op,
		handle: &Handle{jobID: jobID, done: make(chan struct{})},
	}
	l.queue = append(l.queue, job)
	l.queued[jobID] = job
	l.dispatchLocked()
	l.updateGaugesLocked()
	return job.handle, nil
}

// Cancel removes a queued job (failing its handle) or signals a running
// job's cancellation token. Returns false if the id is unknown.
func (l *Lane) Cancel(jobID string) bool {
	l.mu.Lock()

	if job, ok := l.queued[jobID]; ok {
		delete(l.queued, jobID)
		for i, q := range l.queue {
			if q.jobID == jobID {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
		l.updateGaugesLocked()
		l.mu.Unlock()
		job.handle.resolve(nil, ErrCancelled)
		return true
	}

	if job, ok := l.running[jobID]; ok {
		job.cancel()
		l.mu.Unlock()
		return true
	}

	l.mu.Unlock()
	return false
}

// Status returns a consistent snapshot of lane occupancy.
func (l *Lane) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.running))
	for id := range l.running {
		ids = append(ids, id)
	}
	return Status{
		Max:        l.max,
		Active:     len(l.running),
		Queued:     len(l.queue),
		RunningIDs: ids,
	}
}

// dispatchLocked starts queued jobs while slots are free. Must be called
// with l.mu held.
func (l *Lane) dispatchLocked() {
	for len(l.running) < l.max && len(l.queue) > 0 {
		job := l.queue[0]
		l.queue = l.queue[1:]
		delete(l.queued, job.jobID)

		ctx, cancel := context.WithCancel(l.baseCtx)
		l.running[job.jobID] = &runningJob{handle: job.handle, cancel: cancel}
		go l.run(ctx, cancel, job)
	}
}

func (l *Lane) run(ctx context.Context, cancel context.CancelFunc, job *queuedJob) {
	defer cancel()

	result, err := l.invoke(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = ErrCancelled
	}

	l.mu.Lock()
	delete(l.running, job.jobID)
	l.dispatchLocked()
	l.updateGaugesLocked()
	l.mu.Unlock()

	job.handle.resolve(result, err)
}

// invoke runs the operation with panic capture so a misbehaving job never
// takes down the lane.
func (l *Lane) invoke(ctx context.Context, job *queuedJob) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if l.logger != nil {
				l.logger.Error(ctx, "lane job panicked",
					"job_id", job.jobID,
					"panic", fmt.Sprintf("%v", rec),
					"stack", string(debug.Stack()))
			}
			result = nil
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return job.op(ctx)
}

// updateGaugesLocked refreshes occupancy metrics. Must be called with
// l.mu held.
func (l *Lane) updateGaugesLocked() {
	if l.metrics == nil {
		return
	}
	l.metrics.SubagentsActive.Set(float64(len(l.running)))
	l.metrics.SubagentsQueued.Set(float64(len(l.queue)))
}
