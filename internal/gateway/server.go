package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wecom-gateway/internal/auth"
	"github.com/mattjoyce/wecom-gateway/internal/backend"
	"github.com/mattjoyce/wecom-gateway/internal/events"
	"github.com/mattjoyce/wecom-gateway/internal/metrics"
)

// Deps are the collaborators a Server needs. Dedupe and Hub are optional.
type Deps struct {
	Codec    Codec
	Backend  backend.Backend
	Platform Platform
	Dedupe   Deduper
	Hub      *events.Hub
}

// Server represents the gateway HTTP server.
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
	exec   *Executor

	started time.Time
	// stopTimeout bounds how long Start waits for open connections.
	stopTimeout time.Duration

	// taskCtx outlives requests; it is cancelled only when draining times out.
	taskCtx     context.Context
	cancelTasks context.CancelFunc
}

// New creates a new gateway server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	config.applyDefaults()

	taskCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		deps:        deps,
		logger:      logger,
		exec:        NewExecutor(config.MaxConcurrent, logger),
		started:     time.Now(),
		stopTimeout: 5 * time.Second,
		taskCtx:     taskCtx,
		cancelTasks: cancel,
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. On cancellation it stops accepting requests, then waits
// for detached tasks up to ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("gateway server starting",
		"listen", s.config.Listen,
		"channel", s.config.Channel,
		"metrics", s.config.MetricsEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		// Tasks already acknowledged are drained even if connections linger.
		s.Drain()
		if err != nil {
			return fmt.Errorf("gateway server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		s.Drain()
		return fmt.Errorf("gateway server error: %w", err)
	}
}

// Drain waits for detached tasks, cancelling them if they outlast
// ShutdownTimeout.
func (s *Server) Drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.exec.Shutdown(drainCtx); err != nil {
		s.logger.Warn("detached tasks still running, cancelling", "error", err)
		s.cancelTasks()
		// Cancelled subprocesses still get their termination grace period.
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer killCancel()
		_ = s.exec.Shutdown(killCtx)
	}
	s.cancelTasks()
	s.logger.Info("detached tasks drained")
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.With(s.channelMiddleware).Get("/webhooks/{channel}", s.handleChallenge)
	r.With(s.channelMiddleware).Post("/webhooks/{channel}", s.handleCallback)

	if s.config.MetricsEnabled {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireToken(s.config.MetricsToken))
			r.Method(http.MethodGet, "/metrics", metrics.Handler())
			if s.deps.Hub != nil {
				r.Get("/events", s.handleEvents)
			}
		})
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads and
// query strings, which carry signatures).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTP(route, r.Method, status, time.Since(start))

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// channelMiddleware 404s any channel other than the configured one.
func (s *Server) channelMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "channel") != s.config.Channel {
			s.respondError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.ServiceName,
		Version: s.config.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	s.respondJSON(w, http.StatusOK, EventsResponse{Events: s.deps.Hub.Since(since)})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

// respondText sends a plain text body.
func (s *Server) respondText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
