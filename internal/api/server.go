// Package api is the HTTP control surface: event emission, extension
// inventory and reload, job management, and an SSE lifecycle stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/agent-runtime/internal/auth"
	"github.com/mattjoyce/agent-runtime/internal/events"
	"github.com/mattjoyce/agent-runtime/internal/extension"
	"github.com/mattjoyce/agent-runtime/internal/queue"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

// Emitter dispatches one event through the runtime.
type Emitter interface {
	Emit(ctx context.Context, ev runtime.Event) []runtime.EmitResult
}

// ExtensionManager exposes the loader operations the API needs.
type ExtensionManager interface {
	Reload() (*extension.ReloadReport, error)
	Active() *extension.Snapshot
}

// JobQueue is the queue surface exposed over HTTP.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueOutcome, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, ownerID string, state *queue.State) ([]*queue.Job, error)
	Cancel(ctx context.Context, id string) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	Tokens []auth.TokenConfig
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	emitter   Emitter
	exts      ExtensionManager
	queue     JobQueue
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server instance.
func New(config Config, emitter Emitter, exts ExtensionManager, jobs JobQueue, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		emitter:   emitter,
		exts:      exts,
		queue:     jobs,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireRole(auth.RoleWrite)).Post("/emit", s.handleEmit)
		r.With(s.requireRole(auth.RoleWrite)).Post("/signal", s.handleSignal)
		r.With(s.requireRole(auth.RoleRead)).Get("/extensions", s.handleListExtensions)
		r.With(s.requireRole(auth.RoleAdmin)).Post("/extensions/reload", s.handleReload)
		r.With(s.requireRole(auth.RoleWrite)).Post("/jobs", s.handleEnqueueJob)
		r.With(s.requireRole(auth.RoleRead)).Get("/jobs", s.handleListJobs)
		r.With(s.requireRole(auth.RoleRead)).Get("/jobs/{jobID}", s.handleGetJob)
		r.With(s.requireRole(auth.RoleWrite)).Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.With(s.requireRole(auth.RoleRead)).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := auth.Authenticate(token, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireRole(required auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !principal.Role.Allows(required) {
				s.writeError(w, http.StatusForbidden, fmt.Sprintf("requires %s role", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
