package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/driveindex/internal/reconcile"
)

const (
	defaultQueueCapacity = 1024
	queuePollInterval    = 10 * time.Millisecond
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Envelope is one queued action with its delivery bookkeeping.
type Envelope struct {
	ID         string                  `json:"id"`
	Request    reconcile.ActionRequest `json:"request"`
	Attempt    int                     `json:"attempt"`
	EnqueuedAt time.Time               `json:"enqueuedAt"`
	LastError  string                  `json:"lastError,omitempty"`
}

// Queue holds envelopes until a worker acknowledges them. A true result from
// TryEnqueue or Enqueue means the envelope is stored as durably as the
// backend allows. Dequeued envelopes stay in a durable queue until Ack, so a
// crash redelivers them.
type Queue interface {
	TryEnqueue(env Envelope) bool
	Enqueue(ctx context.Context, env Envelope) bool
	Dequeue(ctx context.Context) (Envelope, bool)
	Ack(ctx context.Context, id string) error
	Depth() int
	Capacity() int
	Close() error
}
