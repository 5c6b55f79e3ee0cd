// Package server exposes job reads and watch streams over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/internal/server/handlers"
	"github.com/3leaps/evalwatch/internal/server/middleware"
)

// Server wraps a chi router and its http.Server.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger

	jobs    *handlers.JobsHandler
	health  *handlers.HealthManager
	version handlers.VersionInfo

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithJobs mounts the job routes.
func WithJobs(jobs *handlers.JobsHandler) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithHealthManager serves health probes from m instead of the global manager.
func WithHealthManager(m *handlers.HealthManager) Option {
	return func(s *Server) { s.health = m }
}

// WithVersion sets the /version payload.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts sets http.Server timeouts. Write timeouts cut watch streams,
// so leave write at zero unless streams are capped shorter.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// New builds a server listening on host:port once Start is called.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		logger:  zap.NewNop(),
		version: handlers.VersionInfo{Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	if s.health != nil {
		r.Get("/health", s.health.HealthHandler)
		r.Get("/health/live", s.health.LivenessHandler)
		r.Get("/health/ready", s.health.ReadinessHandler)
		r.Get("/health/startup", s.health.StartupHandler)
	} else {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.jobs != nil {
		r.Route("/v1/jobs", s.jobs.Routes)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens and serves until ctx is cancelled or the listener fails.
// On cancellation it shuts down gracefully within shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
