package dispatch

import (
	"context"
	"time"

	"github.com/agentworkforce/driveindex/internal/reconcile"
)

// Handler applies one action to a consumer. Handlers must be idempotent since
// an envelope is redelivered after a crash.
type Handler interface {
	Handle(ctx context.Context, req reconcile.ActionRequest) error
}

type HandlerFunc func(ctx context.Context, req reconcile.ActionRequest) error

func (f HandlerFunc) Handle(ctx context.Context, req reconcile.ActionRequest) error {
	return f(ctx, req)
}

// Chain runs handlers in order and stops at the first error. The whole chain
// is retried, so earlier handlers see the request again.
func Chain(handlers ...Handler) Handler {
	var kept []Handler
	for _, handler := range handlers {
		if handler != nil {
			kept = append(kept, handler)
		}
	}
	return HandlerFunc(func(ctx context.Context, req reconcile.ActionRequest) error {
		for _, handler := range kept {
			if err := handler.Handle(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventCompleted    EventType = "completed"
	EventRetrying     EventType = "retrying"
	EventDeadLettered EventType = "dead_lettered"
)

type Event struct {
	Type     EventType `json:"type"`
	Envelope Envelope  `json:"envelope"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Observer is called synchronously from the dispatcher and must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(event Event) {
	f(event)
}
