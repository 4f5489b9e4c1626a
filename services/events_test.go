package services

import (
	"sync"
	"testing"
	"time"
)

// countingSubscriber blocks until gate closes, then counts every event.
type countingSubscriber struct {
	mu    sync.Mutex
	gate  chan struct{}
	count int
	seqs  []uint64
}

func (c *countingSubscriber) handle(e Event) {
	<-c.gate
	c.mu.Lock()
	c.count++
	c.seqs = append(c.seqs, e.Seq)
	c.mu.Unlock()
}

func (c *countingSubscriber) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestEventBusDropsForFullSubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()
	sub := &countingSubscriber{gate: make(chan struct{})}
	bus.Subscribe(sub.handle)

	const n = subscriberBuffer + 50
	for i := 0; i < n; i++ {
		bus.Publish(Event{Type: EventLog})
	}
	close(sub.gate)

	eventually(t, "buffered events", func() bool { return sub.total() >= subscriberBuffer })
	time.Sleep(20 * time.Millisecond)
	if got := sub.total(); got >= n {
		t.Fatalf("a full subscriber without backpressure drops events, got all %d", got)
	}
}

func TestEventBusBackpressureKeepsEveryEvent(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()
	sub := &countingSubscriber{gate: make(chan struct{})}
	bus.Subscribe(sub.handle, WithBackpressure(time.Second))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(sub.gate)
	}()
	const n = subscriberBuffer + 50
	for i := 0; i < n; i++ {
		bus.Publish(Event{Type: EventLog})
	}

	eventually(t, "every event", func() bool { return sub.total() == n })
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i, seq := range sub.seqs {
		if seq != uint64(i+1) {
			t.Fatalf("event %d delivered out of order: seq %d", i, seq)
		}
	}
}
