package session

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled fails handles whose burst or session was cancelled.
var ErrCancelled = errors.New("cancelled")

// ResultHandle resolves to the planner response shared by every caller in
// a coalesced burst. Abandoning a Wait does not affect the computation or
// other waiters.
type ResultHandle struct {
	once   sync.Once
	done   chan struct{}
	result string
	err    error
}

func newResultHandle() *ResultHandle {
	return &ResultHandle{done: make(chan struct{})}
}

// Wait blocks until the burst completes or ctx is done.
func (h *ResultHandle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done returns a channel closed when the burst completes.
func (h *ResultHandle) Done() <-chan struct{} { return h.done }

func (h *ResultHandle) resolve(result string, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}
