// Package api exposes tasker-core's HTTP and WebSocket surface: recording
// and run lifecycle endpoints backed by the Session Manager, file
// retrieval backed by the Store, and a push-only WebSocket broadcasting
// recording_step/replay_step/replay_complete/run_status/error events.
// Routing is a struct wrapping *http.ServeMux, built in New, using Go
// 1.22+ method+wildcard ServeMux patterns.
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tasker-core/core/internal/config"
	"github.com/tasker-core/core/internal/llm"
	"github.com/tasker-core/core/internal/session"
	"github.com/tasker-core/core/internal/store"
)

// Server is tasker-core's HTTP handler. One Server instance backs the
// whole process; recordings and runs are tracked per-session through
// sessions.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	sessions *session.Manager
	llm      *llm.Client
	hub      *hub
	logger   *slog.Logger

	mu         sync.Mutex
	recordings map[string]*recordingHandle
	runs       map[string]*runHandle
}

// New builds a Server. Its hub implements runloop.EventSink, so a run
// loop's Deps.Events field can point directly at Server.Hub().
func New(cfg *config.Config, st *store.Store, sessions *session.Manager, llmClient *llm.Client) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		llm:        llmClient,
		hub:        newHub(),
		logger:     slog.Default(),
		recordings: make(map[string]*recordingHandle),
		runs:       make(map[string]*runHandle),
	}
}

// Hub exposes the event sink for wiring into recorder/runloop deps.
func (s *Server) Hub() *hub { return s.hub }

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /recordings", s.handleStartRecording)
	mux.HandleFunc("GET /recordings/{id}", s.handleGetRecording)
	mux.HandleFunc("POST /recordings/{id}/stop", s.handleStopRecording)
	mux.HandleFunc("POST /recordings/{id}/cancel", s.handleCancelRecording)

	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/steps", s.handleListSteps)
	mux.HandleFunc("GET /runs/{id}/logs", s.handleListLogs)
	mux.HandleFunc("GET /runs/{id}/files", s.handleListRunFiles)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("DELETE /runs/{id}", s.handleDeleteRun)

	mux.HandleFunc("GET /files", s.handleListFiles)
	mux.HandleFunc("GET /files/{id}", s.handleGetFile)
	mux.HandleFunc("DELETE /files/{id}", s.handleDeleteFile)

	mux.HandleFunc("GET /models", s.handleListModels)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/ws", s.hub)

	return s.withMiddleware(mux)
}

// MetricsRoutes builds the separate metrics listener's handler, kept apart
// from the main API surface so scraping never competes with request traffic.
func (s *Server) MetricsRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return recoverMiddleware(s.logger, loggingMiddleware(s.logger, next))
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("api: panic recovered", "panic", rec, "path", r.URL.Path)
				writeErrorMsg(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("api request",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
