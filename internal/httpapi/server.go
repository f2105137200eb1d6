// Package httpapi serves the operator surface: the swipe UI's task endpoints,
// the collector's internal create endpoint, the dashboard, preview images and
// the prometheus scrape target. Handlers read and write the store directly;
// the scheduler picks up status changes on its next tick, so nothing here
// talks to the drive or the cloud besides the emergency teardown.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loccen/tinder-swipe/internal/aria2"
	"github.com/loccen/tinder-swipe/internal/metrics"
	"github.com/loccen/tinder-swipe/internal/store"
)

// Daemon is the slice of the aria2 client the dashboard reads.
type Daemon interface {
	GetGlobalStat(ctx context.Context) (*aria2.GlobalStat, error)
}

// Destroyer tears down every proxy VM at once. Satisfied by
// orchestrator.ProxyInstance.
type Destroyer interface {
	EmergencyDestroyAll(ctx context.Context) (int, error)
}

// ServerConfig carries the collaborators for the HTTP surface. Store and
// Destroyer are required; a nil Daemon renders the dashboard's transfer block
// as zeros.
type ServerConfig struct {
	Store       *store.Store
	Daemon      Daemon
	Destroyer   Destroyer
	PreviewsDir string
	DownloadDir string
	Logger      *slog.Logger
}

// Server routes operator and collector requests onto the store.
type Server struct {
	store       *store.Store
	daemon      Daemon
	destroyer   Destroyer
	previewsDir string
	downloadDir string
	logger      *slog.Logger
	router      *chi.Mux
}

// NewServer builds the HTTP surface and mounts all routes.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		store:       cfg.Store,
		daemon:      cfg.Daemon,
		destroyer:   cfg.Destroyer,
		previewsDir: cfg.PreviewsDir,
		downloadDir: cfg.DownloadDir,
		logger:      logger,
		router:      chi.NewRouter(),
	}

	s.routes()

	return s
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/pending", s.handlePendingTasks)
		r.Post("/internal/create", s.handleCreateTask)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/action", s.handleTaskAction)
	})

	s.router.Route("/dashboard", func(r chi.Router) {
		r.Get("/", s.handleDashboard)
		r.Post("/emergency-destroy", s.handleEmergencyDestroy)
	})

	s.router.Get("/previews/{name}", s.handlePreview)
}

// requestLogger logs one line per request. Probe and scrape endpoints are
// polled every few seconds, so they stay out of the log.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info("http: request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the error envelope the web UI expects.
type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("http: encoding response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, errorResponse{Detail: detail})
}
