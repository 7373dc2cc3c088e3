package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// barrier blocks operations until released, letting tests pin jobs in
// the running state deterministically.
type barrier struct {
	release chan struct{}
	started chan string
}

func newBarrier() *barrier {
	return &barrier{
		release: make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (b *barrier) op(id string) Operation {
	return func(ctx context.Context) (any, error) {
		b.started <- id
		select {
		case <-b.release:
			return "done-" + id, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitStarted(t *testing.T, b *barrier, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-b.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d to start", i)
		}
	}
}

func TestLane_BoundedConcurrency(t *testing.T) {
	b := newBarrier()
	l := New(2)

	handles := make([]*Handle, 0, 4)
	for i := 0; i < 4; i++ {
		h, err := l.Enqueue(fmt.Sprintf("job-%d", i), b.op(fmt.Sprintf("job-%d", i)))
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		handles = append(handles, h)
	}

	waitStarted(t, b, 2)
	status := l.Status()
	if status.Active != 2 {
		t.Errorf("expected 2 active, got %d", status.Active)
	}
	if status.Queued != 2 {
		t.Errorf("expected 2 queued, got %d", status.Queued)
	}
	if status.Max != 2 {
		t.Errorf("expected max 2, got %d", status.Max)
	}

	close(b.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Errorf("handle %d failed: %v", i, err)
		}
	}

	status = l.Status()
	if status.Active != 0 || status.Queued != 0 {
		t.Errorf("expected drained lane, got active=%d queued=%d", status.Active, status.Queued)
	}
}

func TestLane_FIFODispatch(t *testing.T) {
	var mu sync.Mutex
	var order []string

	b := newBarrier()
	l := New(1)

	first, err := l.Enqueue("first", b.op("first"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitStarted(t, b, 1)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("queued-%d", i)
		_, err := l.Enqueue(id, func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		})
		if err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	close(b.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("first job failed: %v", err)
	}

	// Let the queued jobs drain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status := l.Status()
		if status.Active == 0 && status.Queued == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lane did not drain")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"queued-0", "queued-1", "queued-2"}
	if len(order) != len(want) {
		t.Fatalf("expected %d executions, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestLane_CancelQueued(t *testing.T) {
	b := newBarrier()
	l := New(1)

	if _, err := l.Enqueue("running", b.op("running")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitStarted(t, b, 1)

	queued, err := l.Enqueue("queued", b.op("queued"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if !l.Cancel("queued") {
		t.Fatal("expected cancel of queued job to return true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := queued.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if l.Status().Queued != 0 {
		t.Errorf("expected empty queue after cancel, got %d", l.Status().Queued)
	}
	close(b.release)
}

func TestLane_CancelRunning(t *testing.T) {
	b := newBarrier()
	l := New(1)

	h, err := l.Enqueue("running", b.op("running"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitStarted(t, b, 1)

	if !l.Cancel("running") {
		t.Fatal("expected cancel of running job to return true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err == nil {
		t.Error("expected cancelled running job to fail its handle")
	}
}

func TestLane_CancelUnknown(t *testing.T) {
	l := New(1)
	if l.Cancel("nope") {
		t.Error("expected cancel of unknown job to return false")
	}
}

func TestLane_Backpressure(t *testing.T) {
	b := newBarrier()
	l := New(1, WithQueueBound(1))

	if _, err := l.Enqueue("running", b.op("running")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitStarted(t, b, 1)

	if _, err := l.Enqueue("queued", b.op("queued")); err != nil {
		t.Fatalf("enqueue within bound failed: %v", err)
	}
	if _, err := l.Enqueue("overflow", b.op("overflow")); !errors.Is(err, ErrBackpressure) {
		t.Errorf("expected ErrBackpressure, got %v", err)
	}
	close(b.release)
}

func TestLane_DuplicateJobID(t *testing.T) {
	b := newBarrier()
	l := New(1)

	if _, err := l.Enqueue("dup", b.op("dup")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := l.Enqueue("dup", b.op("dup")); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
	close(b.release)
}

func TestLane_PanicBecomesHandleFailure(t *testing.T) {
	l := New(1)

	h, err := l.Enqueue("bomb", func(ctx context.Context) (any, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to fail the handle")
	}

	// The lane keeps working after a panic.
	h2, err := l.Enqueue("after", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("enqueue after panic failed: %v", err)
	}
	result, err := h2.Wait(ctx)
	if err != nil || result != "ok" {
		t.Errorf("expected ok result after panic, got %v, %v", result, err)
	}
}
