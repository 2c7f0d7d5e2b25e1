package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"svtchain/core/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func archivedEventAt(height uint64, position int) ArchivedEvent {
	return ArchivedEvent{
		Digest:   eventDigest(height, position, types.Event{Type: "token.transfer"}),
		Height:   height,
		Position: position,
		Type:     "token.transfer",
	}
}

func TestDeliveryQueueDropOldestOnOverflow(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewDeliveryQueue(
		WithQueueCapacity(3),
		WithQueueTTL(time.Minute),
		withQueueClock(clock.Now),
	)

	for i := 0; i < 5; i++ {
		queue.Enqueue(archivedEventAt(1, i))
	}
	if got := queue.Len(); got != 3 {
		t.Fatalf("expected 3 queued tasks after overflow, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var positions []int
	for len(positions) < 3 {
		task, ok := queue.Dequeue(ctx)
		if !ok {
			t.Fatalf("queue closed early after %d items", len(positions))
		}
		positions = append(positions, task.Event.Position)
	}
	expected := []int{2, 3, 4}
	for i, want := range expected {
		if positions[i] != want {
			t.Fatalf("expected position %d at index %d, got %d", want, i, positions[i])
		}
	}
}

func TestDeliveryQueueExpiresStaleTasks(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewDeliveryQueue(
		WithQueueTTL(time.Minute),
		withQueueClock(clock.Now),
	)

	queue.Enqueue(archivedEventAt(7, 0))
	if got := queue.Len(); got != 1 {
		t.Fatalf("expected 1 queued task, got %d", got)
	}

	clock.Advance(2 * time.Minute)
	if got := queue.Len(); got != 0 {
		t.Fatalf("expected stale task to be evicted, got %d", got)
	}
}

func TestDeliveryQueueDequeueHonoursCancel(t *testing.T) {
	queue := NewDeliveryQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := queue.Dequeue(ctx)
		done <- ok
	}()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected dequeue to report cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after cancel")
	}
}

func TestEventDigestStableAcrossAttributeOrder(t *testing.T) {
	a := types.Event{Type: "token.swap", Attributes: map[string]string{"slvIn": "100", "svtOut": "45"}}
	b := types.Event{Type: "token.swap", Attributes: map[string]string{"svtOut": "45", "slvIn": "100"}}
	if eventDigest(3, 0, a) != eventDigest(3, 0, b) {
		t.Fatal("digest must not depend on attribute iteration order")
	}
	if eventDigest(3, 0, a) == eventDigest(4, 0, a) {
		t.Fatal("digest must include the block height")
	}
	if eventDigest(3, 0, a) == eventDigest(3, 1, a) {
		t.Fatal("digest must include the event position")
	}
}
