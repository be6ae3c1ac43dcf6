package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Envelope
	leased       map[string]struct{}
}

type fileQueueState struct {
	Items []Envelope `json:"items"`
}

// NewFileQueue returns a queue persisted as one JSON snapshot, rewritten
// through a temp file and a rename on every change.
func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: queuePollInterval,
		items:        []Envelope{},
		leased:       map[string]struct{}{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(env Envelope) bool {
	if strings.TrimSpace(env.ID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, env)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileQueue) Enqueue(ctx context.Context, env Envelope) bool {
	for {
		if q.TryEnqueue(env) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

// Dequeue leases the oldest unleased envelope. It stays on disk until Ack.
func (q *fileQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	for {
		q.mu.Lock()
		for _, env := range q.items {
			if _, ok := q.leased[env.ID]; ok {
				continue
			}
			q.leased[env.ID] = struct{}{}
			q.mu.Unlock()
			return env, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Envelope{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, id)
	for i, env := range q.items {
		if env.ID != id {
			continue
		}
		previous := q.items
		q.items = append(append([]Envelope(nil), q.items[:i]...), q.items[i+1:]...)
		if err := q.saveLocked(); err != nil {
			q.items = previous
			return err
		}
		return nil
	}
	return nil
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Close() error {
	return nil
}

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]Envelope(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	snapshot := fileQueueState{
		Items: append([]Envelope(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
