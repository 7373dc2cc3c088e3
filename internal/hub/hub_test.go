package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// collector buffers delivered events behind a mutex.
type collector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collector) sink(event models.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_FanOut(t *testing.T) {
	h := New()
	first := &collector{}
	second := &collector{}
	other := &collector{}

	s1 := h.Attach("session-a", first.sink)
	defer s1.Close()
	s2 := h.Attach("session-a", second.sink)
	defer s2.Close()
	s3 := h.Attach("session-b", other.sink)
	defer s3.Close()

	h.Publish("session-a", models.NewEvent("session-a", models.EventThinking, nil))

	waitFor(t, func() bool { return len(first.snapshot()) == 1 && len(second.snapshot()) == 1 })
	if len(other.snapshot()) != 0 {
		t.Errorf("expected no cross-session delivery, got %d events", len(other.snapshot()))
	}
}

func TestHub_OrderPreservedPerPublisher(t *testing.T) {
	h := New()
	c := &collector{}
	sub := h.Attach("s", c.sink)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		h.Publish("s", models.NewEvent("s", models.EventThinking, map[string]any{"i": i}))
	}

	waitFor(t, func() bool { return len(c.snapshot()) == 20 })
	for i, event := range c.snapshot() {
		if event.Payload["i"] != i {
			t.Fatalf("position %d carries payload %v", i, event.Payload["i"])
		}
	}
}

func TestHub_OverflowInsertsMarkerAndDropsOldest(t *testing.T) {
	h := New(WithBufferSize(4))

	release := make(chan struct{})
	c := &collector{}
	started := make(chan struct{})
	var once sync.Once
	sub := h.Attach("s", func(event models.Event) error {
		once.Do(func() { close(started) })
		<-release
		return c.sink(event)
	})
	defer sub.Close()

	// First event occupies the sink; the next four fill the buffer; two
	// more force drops behind the marker.
	for i := 0; i < 7; i++ {
		h.Publish("s", models.NewEvent("s", models.EventThinking, map[string]any{"i": i}))
	}
	<-started
	close(release)

	waitFor(t, func() bool { return len(c.snapshot()) >= 5 })
	events := c.snapshot()

	sawMarker := false
	for _, event := range events {
		if event.Kind == models.EventOverflow {
			sawMarker = true
		}
	}
	if !sawMarker {
		t.Error("expected an overflow marker in the delivered stream")
	}
	// The newest event always survives.
	last := events[len(events)-1]
	if last.Payload["i"] != 6 {
		t.Errorf("expected newest event last, got %v", last.Payload["i"])
	}
}

func TestHub_FailingSinkIsPruned(t *testing.T) {
	h := New()
	bad := h.Attach("s", func(models.Event) error {
		return errors.New("broken pipe")
	})
	_ = bad
	good := &collector{}
	sub := h.Attach("s", good.sink)
	defer sub.Close()

	h.Publish("s", models.NewEvent("s", models.EventThinking, nil))
	waitFor(t, func() bool { return h.SubscriberCount("s") == 1 })

	// The survivor keeps receiving.
	h.Publish("s", models.NewEvent("s", models.EventComplete, nil))
	waitFor(t, func() bool { return len(good.snapshot()) == 2 })
}

func TestHub_Broadcast(t *testing.T) {
	h := New()
	collectors := make([]*collector, 3)
	for i := range collectors {
		collectors[i] = &collector{}
		sub := h.Attach(fmt.Sprintf("session-%d", i), collectors[i].sink)
		defer sub.Close()
	}

	h.Broadcast(models.NewEvent("", models.EventStatus, map[string]any{"status": "ok"}))

	waitFor(t, func() bool {
		for _, c := range collectors {
			if len(c.snapshot()) != 1 {
				return false
			}
		}
		return true
	})
}

func TestHub_CloseStopsDelivery(t *testing.T) {
	h := New()
	c := &collector{}
	sub := h.Attach("s", c.sink)

	h.Publish("s", models.NewEvent("s", models.EventThinking, nil))
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	sub.Close()
	if h.SubscriberCount("s") != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", h.SubscriberCount("s"))
	}

	h.Publish("s", models.NewEvent("s", models.EventComplete, nil))
	time.Sleep(50 * time.Millisecond)
	if len(c.snapshot()) != 1 {
		t.Errorf("expected no delivery after close, got %d events", len(c.snapshot()))
	}
}
