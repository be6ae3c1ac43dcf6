package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/driveindex/internal/dispatch"
	"github.com/agentworkforce/driveindex/internal/reconcile"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// Stream fans dispatcher events out to websocket clients. A client whose
// buffer fills is disconnected rather than slowing the dispatcher.
type Stream struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
	logger  reconcile.Logger
}

type streamClient struct {
	events chan dispatch.Event
	once   sync.Once
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.events) })
}

func NewStream(logger reconcile.Logger) *Stream {
	return &Stream{clients: map[*streamClient]struct{}{}, logger: logger}
}

// Observe implements dispatch.Observer.
func (s *Stream) Observe(event dispatch.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.events <- event:
		default:
			delete(s.clients, client)
			client.stop()
			s.logf("action stream client dropped: buffer full")
		}
	}
}

func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for client := range s.clients {
		delete(s.clients, client)
		client.stop()
	}
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("action stream upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	client := &streamClient{events: make(chan dispatch.Event, streamBuffer)}
	if !s.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.remove(client)

	// Clients only listen; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-client.events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := s.write(ctx, conn, event); err != nil {
				s.logf("action stream write failed: %v", err)
				return
			}
		}
	}
}

func (s *Stream) write(ctx context.Context, conn *websocket.Conn, event dispatch.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func (s *Stream) add(client *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[client] = struct{}{}
	return true
}

func (s *Stream) remove(client *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		client.stop()
	}
}

func (s *Stream) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
