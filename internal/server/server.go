// Package server exposes the resolution API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/server/handler"
	"github.com/alanyoungcy/polyresolve/internal/server/middleware"
	"github.com/alanyoungcy/polyresolve/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	IdentityTimeout time.Duration
	RateLimit       int
	RateWindow      time.Duration
}

// Handlers aggregates the route handlers. Audit may be nil.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Resolution *handler.ResolutionHandler
	Audit      *handler.AuditHandler
}

// Deps are the collaborators the middleware chain needs. Limiter may be nil.
type Deps struct {
	Identity domain.Identity
	Limiter  domain.RateLimiter
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, handlers Handlers, deps Deps, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	if cfg.IdentityTimeout <= 0 {
		cfg.IdentityTimeout = 5 * time.Second
	}

	auth := middleware.RequireUser(deps.Identity, cfg.IdentityTimeout, logger)
	authed := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.Handle("POST /api/markets/{id}/proposals", authed(handlers.Resolution.SubmitProposal))
	mux.Handle("POST /api/markets/{id}/disputes", authed(handlers.Resolution.SubmitDispute))
	mux.Handle("POST /api/events/{id}/review", authed(handlers.Resolution.Review))
	mux.HandleFunc("GET /api/markets/{id}/history", handlers.Resolution.GetHistory)
	mux.HandleFunc("GET /api/markets/{id}/state", handlers.Resolution.GetState)
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/markets/{id}/audit", handlers.Audit.ListByMarket)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
