package dispatch

import (
	"context"
	"strings"
)

type memoryQueue struct {
	ch chan Envelope
}

// NewMemoryQueue returns a channel backed queue. Nothing survives a restart.
func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &memoryQueue{ch: make(chan Envelope, capacity)}
}

func (q *memoryQueue) TryEnqueue(env Envelope) bool {
	if q == nil || strings.TrimSpace(env.ID) == "" {
		return false
	}
	select {
	case q.ch <- env:
		return true
	default:
		return false
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, env Envelope) bool {
	if q == nil || strings.TrimSpace(env.ID) == "" {
		return false
	}
	select {
	case q.ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	if q == nil {
		return Envelope{}, false
	}
	select {
	case env := <-q.ch:
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

func (q *memoryQueue) Ack(context.Context, string) error {
	return nil
}

func (q *memoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *memoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *memoryQueue) Close() error {
	return nil
}
