// Package server exposes runs, sandboxes and project files over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/deepnoodle-ai/forge/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	DefaultAddr    = ":8080"
	maxRequestBody = 1 << 20
)

// Runner runs workflows. *workflow.Runner implements it.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) (workflow.State, error)
	Busy(projectID string) bool
}

// Sandboxes exposes project sandboxes. *sandbox.Manager implements it.
type Sandboxes interface {
	Acquire(ctx context.Context, projectID string) (sandbox.Sandbox, error)
	Release(ctx context.Context, projectID string) bool
	ListFiles(ctx context.Context, projectID string) ([]string, error)
	ReadFile(ctx context.Context, projectID, rel string) (sandbox.ReadResult, error)
	Host(ctx context.Context, projectID string) (string, error)
	IsServerReady(projectID string) bool
	Bindings() []sandbox.BindingInfo
	AppRoot() string
}

var (
	_ Runner    = (*workflow.Runner)(nil)
	_ Sandboxes = (*sandbox.Manager)(nil)
)

type Options struct {
	Runner    Runner
	Sandboxes Sandboxes

	// Store serves the message history. Optional.
	Store session.Store

	Addr   string
	Logger slogger.Logger
}

type Server struct {
	opts   Options
	logger slogger.Logger
	router chi.Router
}

func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Sandboxes == nil {
		return nil, errors.New("sandboxes are required")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	s := &Server{opts: opts, logger: slogger.OrDefault(opts.Logger)}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/projects/{projectID:[A-Za-z0-9_-]+}", func(r chi.Router) {
		r.Post("/runs", s.handleRun)
		r.Get("/messages", s.handleMessages)
		r.Get("/files", s.handleListFiles)
		r.Get("/files/*", s.handleReadFile)
		r.Get("/download", s.handleDownload)
	})

	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/", s.handleBindings)
		r.Get("/{projectID:[A-Za-z0-9_-]+}", s.handleSandboxInfo)
		r.Delete("/{projectID:[A-Za-z0-9_-]+}", s.handleSandboxRelease)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
// Run streams are long, so there is no write timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.opts.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []*session.Message{}})
		return
	}
	projectID := chi.URLParam(r, "projectID")
	msgs, err := s.opts.Store.FindMany(r.Context(), session.Filter{ProjectID: projectID}, session.OrderAsc)
	if err != nil {
		s.logger.Error("failed to load messages", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sandboxes": s.opts.Sandboxes.Bindings()})
}

type sandboxInfo struct {
	Host        string   `json:"host"`
	Files       []string `json:"files"`
	ServerReady bool     `json:"server_ready"`
}

// handleSandboxInfo acquires the project's sandbox, creating it if needed.
func (s *Server) handleSandboxInfo(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	host, err := s.opts.Sandboxes.Host(r.Context(), projectID)
	if err != nil {
		s.logger.Error("failed to get sandbox info", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get sandbox info")
		return
	}
	files, err := s.opts.Sandboxes.ListFiles(r.Context(), projectID)
	if err != nil {
		s.logger.Error("failed to list sandbox files", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get sandbox info")
		return
	}
	writeJSON(w, http.StatusOK, sandboxInfo{
		Host:        host,
		Files:       files,
		ServerReady: s.opts.Sandboxes.IsServerReady(projectID),
	})
}

func (s *Server) handleSandboxRelease(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	released := s.opts.Sandboxes.Release(r.Context(), projectID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"released": released,
		"message":  "Sandbox closed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
