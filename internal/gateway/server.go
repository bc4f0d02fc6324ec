// Package gateway is the HTTP admin and ingest surface: task submission,
// queue and trace listings, schedule management, and a live trace stream
// over WebSocket.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/stewardq/internal/bus"
	"github.com/basket/stewardq/internal/ledger"
	"github.com/basket/stewardq/internal/queue"
)

const (
	defaultListLimit = 200
	maxListLimit     = 500
)

type Config struct {
	Store    *queue.Store
	Recorder *ledger.Recorder
	Bus      *bus.Bus
	Logger   *slog.Logger

	// AuthToken guards every endpoint except /healthz. Empty means open
	// (local development).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	// RateLimitPerMinute caps task submissions per client. Zero uses the
	// default of 120; negative disables limiting.
	RateLimitPerMinute int

	// RateLimitBurst is the bucket size for submission bursts.
	RateLimitBurst int
}

type Server struct {
	cfg           Config
	logger        *slog.Logger
	enqueueSchema *schemaValidator
	limiter       *rateLimiter
}

func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := newEnqueueValidator()
	if err != nil {
		return nil, fmt.Errorf("compile enqueue schema: %w", err)
	}
	s := &Server{cfg: cfg, logger: logger, enqueueSchema: validator}
	perMinute := cfg.RateLimitPerMinute
	if perMinute == 0 {
		perMinute = 120
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	if perMinute > 0 {
		s.limiter = newRateLimiter(perMinute, burst)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/supersede", s.handleSupersede)
	mux.HandleFunc("/api/traces", s.handleTraces)
	mux.HandleFunc("/api/traces/stream", s.handleTraceStream)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)
	return corsMiddleware(s.cfg.AllowOrigins, s.limitEnqueues(mux))
}

// authorize accepts requests carrying the configured bearer token. An empty
// configured token leaves the gateway open.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.Stats(r.Context()); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	tasks, err := s.cfg.Store.List(r.Context(), queue.Filter{
		Room:   q.Get("room"),
		Status: queue.Status(q.Get("status")),
		Task:   q.Get("task"),
		Limit:  clampLimit(q.Get("limit")),
	})
	if err != nil {
		s.internalError(w, "list queue", err)
		return
	}
	if tasks == nil {
		tasks = []*queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.internalError(w, "queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	events, err := s.cfg.Recorder.List(r.Context(), ledger.Filter{
		TraceID: q.Get("trace_id"),
		Room:    q.Get("room"),
		Task:    q.Get("task"),
		Stage:   q.Get("stage"),
		Status:  q.Get("status"),
		Limit:   clampLimit(q.Get("limit")),
	})
	if err != nil {
		s.internalError(w, "list traces", err)
		return
	}
	if events == nil {
		events = []*ledger.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// clampLimit parses a limit query parameter into [1, 500], defaulting to 200
// for absent or unparsable values.
func clampLimit(raw string) int {
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultListLimit
	}
	if n < 1 {
		return 1
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": op + " failed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func notFoundOr500(w http.ResponseWriter, s *Server, op string, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.internalError(w, op, err)
}
