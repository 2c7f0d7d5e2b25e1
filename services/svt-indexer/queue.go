package main

import (
	"context"
	"sync"
	"time"

	"svtchain/observability/metrics"
)

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// DeliveryTask is one unit of webhook work. A task without an endpoint is a
// fan-out marker the worker expands into per-endpoint tasks.
type DeliveryTask struct {
	Event     ArchivedEvent
	Endpoint  *Endpoint
	Attempt   int
	NotBefore time.Time
}

type queuedTask struct {
	task       DeliveryTask
	enqueuedAt time.Time
}

// DeliveryQueueOption adjusts queue behaviour.
type DeliveryQueueOption func(*deliveryQueueConfig)

type deliveryQueueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// WithQueueCapacity bounds the number of pending tasks.
func WithQueueCapacity(capacity int) DeliveryQueueOption {
	return func(cfg *deliveryQueueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued tasks remain deliverable.
func WithQueueTTL(ttl time.Duration) DeliveryQueueOption {
	return func(cfg *deliveryQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock used for TTL evaluation (test only).
func withQueueClock(now func() time.Time) DeliveryQueueOption {
	return func(cfg *deliveryQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// DeliveryQueue is a bounded FIFO of webhook tasks. Overflow drops the oldest
// task rather than blocking the chain follower.
type DeliveryQueue struct {
	mu    sync.Mutex
	tasks queueRing[queuedTask]
	ttl   time.Duration
	now   func() time.Time
}

// NewDeliveryQueue constructs a bounded queue.
func NewDeliveryQueue(opts ...DeliveryQueueOption) *DeliveryQueue {
	cfg := deliveryQueueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &DeliveryQueue{
		tasks: newQueueRing[queuedTask](cfg.capacity),
		ttl:   cfg.ttl,
		now:   cfg.now,
	}
}

// Enqueue adds a fan-out task for an archived event.
func (q *DeliveryQueue) Enqueue(evt ArchivedEvent) {
	q.enqueueTask(DeliveryTask{Event: evt})
}

func (q *DeliveryQueue) enqueueTask(task DeliveryTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		metrics.Indexer().IncWebhookFailure("queue_overflow")
	}
	metrics.Indexer().SetQueueDepth(q.tasks.len())
}

// Len reports the number of pending tasks.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	return q.tasks.len()
}

// Dequeue waits for the next task, honouring its NotBefore delay. Returns
// false when the context is cancelled.
func (q *DeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		metrics.Indexer().SetQueueDepth(q.tasks.len())
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return DeliveryTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return DeliveryTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				metrics.Indexer().IncWebhookFailure("queue_ttl")
				continue
			}
		}

		return queued.task, true
	}
}

func (q *DeliveryQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	for {
		queued, ok := q.tasks.peek()
		if !ok {
			return
		}
		if now.Sub(queued.enqueuedAt) <= q.ttl {
			return
		}
		q.tasks.pop()
		metrics.Indexer().IncWebhookFailure("queue_ttl")
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int {
	return r.size
}
