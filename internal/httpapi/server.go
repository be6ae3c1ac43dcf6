// Package httpapi serves the operator surface: health, stored state, the last
// cycle report, dispatcher status, dead-letter replay and a live action stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/driveindex/internal/dispatch"
	"github.com/agentworkforce/driveindex/internal/reconcile"
)

const requestTimeout = 10 * time.Second

type CheckpointLister interface {
	All(ctx context.Context) (map[string]string, error)
}

type IdentityLister interface {
	ListUnder(ctx context.Context, prefix string) ([]reconcile.IdentityEntry, error)
}

type CycleRunner interface {
	LastReport() (reconcile.CycleReport, bool)
	Trigger()
}

type DispatchMonitor interface {
	Status() dispatch.Status
	DeadLetters() []dispatch.DeadLetter
	Replay(ctx context.Context, id string) error
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token       string
	Checkpoints CheckpointLister
	Identities  IdentityLister
	Engine      CycleRunner
	Dispatcher  DispatchMonitor
	Stream      *Stream
	Logger      reconcile.Logger
}

type Server struct {
	cfg ServerConfig
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "checkpoints" && r.Method == http.MethodGet:
		route = "checkpoints"
	case len(parts) == 2 && parts[1] == "identities" && r.Method == http.MethodGet:
		route = "identities"
	case len(parts) == 3 && parts[1] == "cycles" && parts[2] == "last" && r.Method == http.MethodGet:
		route = "last_cycle"
	case len(parts) == 2 && parts[1] == "cycles" && r.Method == http.MethodPost:
		route = "trigger_cycle"
	case len(parts) == 2 && parts[1] == "dispatch" && r.Method == http.MethodGet:
		route = "dispatch_status"
	case len(parts) == 3 && parts[1] == "dispatch" && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		route = "dead_letters"
	case len(parts) == 5 && parts[1] == "dispatch" && parts[2] == "dead-letters" && parts[4] == "replay" && r.Method == http.MethodPost:
		route = "replay"
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "checkpoints":
		s.handleCheckpoints(w, r, correlationID)
	case "identities":
		s.handleIdentities(w, r, correlationID)
	case "last_cycle":
		s.handleLastCycle(w, correlationID)
	case "trigger_cycle":
		s.handleTriggerCycle(w, correlationID)
	case "dispatch_status":
		s.handleDispatchStatus(w, correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, correlationID)
	case "replay":
		s.handleReplay(w, r, parts[3], correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	}
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "checkpoint store not configured", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	cursors, err := s.cfg.Checkpoints.All(ctx)
	if err != nil {
		s.logf("list checkpoints failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list checkpoints", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cursors})
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Identities == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "identity store not configured", correlationID)
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" {
		prefix = "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", "prefix must be an absolute path", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	entries, err := s.cfg.Identities.ListUnder(ctx, prefix)
	if err != nil {
		s.logf("list identities under %s failed: %v", prefix, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list identities", correlationID)
		return
	}
	if entries == nil {
		entries = []reconcile.IdentityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "identities": entries})
}

func (s *Server) handleLastCycle(w http.ResponseWriter, correlationID string) {
	if s.cfg.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine not configured", correlationID)
		return
	}
	report, ok := s.cfg.Engine.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no cycle has completed yet", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTriggerCycle(w http.ResponseWriter, correlationID string) {
	if s.cfg.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine not configured", correlationID)
		return
	}
	s.cfg.Engine.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "correlationId": correlationID})
}

func (s *Server) handleDispatchStatus(w http.ResponseWriter, correlationID string) {
	if s.cfg.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Dispatcher.Status())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, correlationID string) {
	if s.cfg.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured", correlationID)
		return
	}
	items := s.cfg.Dispatcher.DeadLetters()
	if items == nil {
		items = []dispatch.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if s.cfg.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	err := s.cfg.Dispatcher.Replay(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": id, "correlationId": correlationID})
	case errors.Is(err, dispatch.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found", correlationID)
	case errors.Is(err, dispatch.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", "action queue is full", correlationID)
	case errors.Is(err, dispatch.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher is closed", correlationID)
	default:
		s.logf("replay %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to replay dead letter", correlationID)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "action stream not configured", correlationID)
		return
	}
	s.cfg.Stream.ServeHTTP(w, r)
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
