// Package dispatch delivers action requests to consumers through a durable
// queue with retries and dead letters.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/driveindex/internal/backoff"
	"github.com/agentworkforce/driveindex/internal/reconcile"
	"github.com/google/uuid"
)

var (
	ErrQueueFull          = errors.New("action queue is full or unavailable")
	ErrClosed             = errors.New("dispatcher is closed")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

const drainPollInterval = 10 * time.Millisecond

type Options struct {
	// Workers above 1 give up ordering between actions.
	Workers         int
	MaxAttempts     int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	EnqueueTimeout  time.Duration
	DeadLetterLimit int
	Logger          reconcile.Logger
	Now             func() time.Time
	NewID           func() string
}

type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	FailedAt time.Time `json:"failedAt"`
}

type Status struct {
	Running     bool   `json:"running"`
	Workers     int    `json:"workers"`
	Depth       int    `json:"depth"`
	Capacity    int    `json:"capacity"`
	InFlight    int64  `json:"inFlight"`
	Processed   uint64 `json:"processed"`
	Retried     uint64 `json:"retried"`
	Failed      uint64 `json:"failed"`
	DeadLetters int    `json:"deadLetters"`
}

// Dispatcher implements reconcile.ActionDispatcher on top of a Queue.
type Dispatcher struct {
	queue     Queue
	handler   Handler
	opts      Options
	validator *actionValidator
	retry     backoff.Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	running   atomic.Bool

	inFlight  atomic.Int64
	processed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64

	mu          sync.Mutex
	observers   []Observer
	deadLetters []DeadLetter
	outstanding map[string]struct{}
}

func New(queue Queue, handler Handler, opts Options) (*Dispatcher, error) {
	if queue == nil || handler == nil {
		return nil, fmt.Errorf("%w: queue and handler are required", ErrInvalidInput)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = time.Minute
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = opts.RetryDelay
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}
	if opts.DeadLetterLimit <= 0 {
		opts.DeadLetterLimit = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	validator, err := newActionValidator()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:       queue,
		handler:     handler,
		opts:        opts,
		validator:   validator,
		retry:       backoff.Policy{BaseDelay: opts.RetryDelay, MaxDelay: opts.MaxRetryDelay},
		ctx:         ctx,
		cancel:      cancel,
		outstanding: map[string]struct{}{},
	}, nil
}

// Dispatch validates req and returns once the queue has stored it.
func (d *Dispatcher) Dispatch(ctx context.Context, req reconcile.ActionRequest) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = d.opts.NewID()
	}
	if err := d.validator.validate(req); err != nil {
		return err
	}
	env := Envelope{ID: req.ID, Request: req, EnqueuedAt: d.opts.Now().UTC()}
	if err := d.enqueue(ctx, env); err != nil {
		return err
	}
	d.logf("dispatched %s %s -> %s", req.Kind, req.SourceID, req.LocalPath)
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, env Envelope) error {
	d.mu.Lock()
	d.outstanding[env.ID] = struct{}{}
	d.mu.Unlock()

	if !d.queue.TryEnqueue(env) {
		waitCtx, cancel := context.WithTimeout(ctx, d.opts.EnqueueTimeout)
		ok := d.queue.Enqueue(waitCtx, env)
		cancel()
		if !ok {
			d.settle(env.ID)
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: depth %d of %d", ErrQueueFull, d.queue.Depth(), d.queue.Capacity())
		}
	}
	d.observe(Event{Type: EventEnqueued, Envelope: env, At: d.opts.Now().UTC()})
	return nil
}

// Start launches the workers. It is safe to call more than once.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		if d.closed.Load() {
			return
		}
		d.running.Store(true)
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Close stops the workers and closes the queue. An envelope interrupted
// mid-retry stays unacknowledged.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.cancel()
		d.wg.Wait()
		d.running.Store(false)
		err = d.queue.Close()
	})
	return err
}

// Drain waits until every envelope has been delivered or dead lettered.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		pending := len(d.outstanding)
		d.mu.Unlock()
		if pending == 0 && d.inFlight.Load() == 0 && d.queue.Depth() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain dispatcher: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) AddObserver(observer Observer) {
	if observer == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, observer)
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	deadLetters := len(d.deadLetters)
	d.mu.Unlock()
	return Status{
		Running:     d.running.Load(),
		Workers:     d.opts.Workers,
		Depth:       d.queue.Depth(),
		Capacity:    d.queue.Capacity(),
		InFlight:    d.inFlight.Load(),
		Processed:   d.processed.Load(),
		Retried:     d.retried.Load(),
		Failed:      d.failed.Load(),
		DeadLetters: deadLetters,
	}
}

func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.deadLetters...)
}

// Replay puts a dead letter back on the queue with a fresh attempt count.
func (d *Dispatcher) Replay(ctx context.Context, id string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	index := -1
	for i, dead := range d.deadLetters {
		if dead.Envelope.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	dead := d.deadLetters[index]
	d.deadLetters = append(d.deadLetters[:index:index], d.deadLetters[index+1:]...)
	d.mu.Unlock()

	env := dead.Envelope
	env.Attempt = 0
	env.LastError = ""
	env.EnqueuedAt = d.opts.Now().UTC()
	if err := d.enqueue(ctx, env); err != nil {
		d.mu.Lock()
		d.deadLetters = append(d.deadLetters, dead)
		d.mu.Unlock()
		return err
	}
	d.logf("replayed dead letter %s", id)
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		env, ok := d.queue.Dequeue(d.ctx)
		if !ok {
			return
		}
		d.inFlight.Add(1)
		d.process(env)
		d.inFlight.Add(-1)
	}
}

// process retries in place so a failing action never overtakes the actions
// queued after it.
func (d *Dispatcher) process(env Envelope) {
	for {
		env.Attempt++
		err := d.handler.Handle(d.ctx, env.Request)
		if err == nil {
			d.finish(env)
			d.processed.Add(1)
			d.observe(Event{Type: EventCompleted, Envelope: env, At: d.opts.Now().UTC()})
			return
		}
		if d.ctx.Err() != nil {
			return
		}
		env.LastError = err.Error()
		if env.Attempt >= d.opts.MaxAttempts {
			d.deadLetter(env)
			return
		}
		d.retried.Add(1)
		d.logf("action %s %s attempt %d failed: %v", env.Request.Kind, env.ID, env.Attempt, err)
		d.observe(Event{Type: EventRetrying, Envelope: env, Error: env.LastError, At: d.opts.Now().UTC()})
		if backoff.Sleep(d.ctx, d.retry.Delay(env.Attempt, "")) != nil {
			return
		}
	}
}

func (d *Dispatcher) deadLetter(env Envelope) {
	d.failed.Add(1)
	d.mu.Lock()
	d.deadLetters = append(d.deadLetters, DeadLetter{Envelope: env, FailedAt: d.opts.Now().UTC()})
	if overflow := len(d.deadLetters) - d.opts.DeadLetterLimit; overflow > 0 {
		d.deadLetters = append([]DeadLetter(nil), d.deadLetters[overflow:]...)
	}
	d.mu.Unlock()
	d.finish(env)
	d.logf("action %s %s dead lettered after %d attempts: %s", env.Request.Kind, env.ID, env.Attempt, env.LastError)
	d.observe(Event{Type: EventDeadLettered, Envelope: env, Error: env.LastError, At: d.opts.Now().UTC()})
}

func (d *Dispatcher) finish(env Envelope) {
	if err := d.queue.Ack(d.ctx, env.ID); err != nil {
		d.logf("ack %s failed, it will be delivered again: %v", env.ID, err)
	}
	d.settle(env.ID)
}

func (d *Dispatcher) settle(id string) {
	d.mu.Lock()
	delete(d.outstanding, id)
	d.mu.Unlock()
}

func (d *Dispatcher) observe(event Event) {
	d.mu.Lock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()
	for _, observer := range observers {
		observer.Observe(event)
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Printf(format, args...)
	}
}
