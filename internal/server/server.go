// Package server hosts the trainjobs HTTP API.
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

	apperrors "github.com/3leaps/trainjobs/internal/errors"
	"github.com/3leaps/trainjobs/internal/server/handlers"
	"github.com/3leaps/trainjobs/internal/server/middleware"
)

const (
	APIPrefix       = "/api/v1"
	DiagnosticsPath = APIPrefix + "/diagnostics"

	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
)

type Option func(*Server)

// WithJobs mounts the job endpoints.
func WithJobs(jobs *handlers.Jobs) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithDiagnostics mounts GET /api/v1/diagnostics.
func WithDiagnostics(d http.Handler) Option {
	return func(s *Server) { s.diagnostics = d }
}

// WithAPIToken requires X-API-Token on /api/v1 routes other than diagnostics.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = token }
}

// WithRateLimiter throttles job submission per client.
func WithRateLimiter(l *middleware.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

type Server struct {
	host string
	port int

	jobs        *handlers.Jobs
	diagnostics http.Handler
	apiToken    string
	limiter     *middleware.RateLimiter
	logger      *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router     chi.Router
	httpServer *http.Server
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequestLogger(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound, "resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed", r.Method), nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	r.Route(APIPrefix, func(api chi.Router) {
		api.Use(middleware.APIToken(s.apiToken, DiagnosticsPath))
		if s.diagnostics != nil {
			api.Method(http.MethodGet, "/diagnostics", s.diagnostics)
		}
		if s.jobs == nil {
			return
		}
		api.Route("/jobs", func(jr chi.Router) {
			if s.limiter != nil {
				jr.With(s.limiter.Middleware).Post("/", s.jobs.Submit)
			} else {
				jr.Post("/", s.jobs.Submit)
			}
			jr.Get("/", s.jobs.List)
			jr.Get("/{jobID}", s.jobs.Get)
			jr.Post("/{jobID}/cancel", s.jobs.Cancel)
			jr.Get("/{jobID}/logs", s.jobs.Logs)
			jr.Get("/{jobID}/events", s.jobs.Events)
		})
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown is called. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
