// Package server exposes the bargain engine over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/server/handler"
	"github.com/alanyoungcy/pricecut/internal/server/middleware"
	"github.com/alanyoungcy/pricecut/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminAPIKey guards /api/admin routes. Empty disables the check.
	AdminAPIKey string
	// CutRateLimit is the number of cut requests a caller may make per
	// CutRateWindow. Zero disables limiting.
	CutRateLimit  int
	CutRateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Sessions  *handler.SessionHandler
	Campaigns *handler.CampaignHandler
	Pipeline  *handler.PipelineHandler
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. limiter
// and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, limiter, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler returns the routed and wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/campaigns", handlers.Campaigns.ListCampaigns)
	mux.HandleFunc("GET /api/campaigns/{id}", handlers.Campaigns.GetCampaign)
	mux.HandleFunc("POST /api/campaigns/{id}/sessions", handlers.Sessions.StartSession)

	mux.HandleFunc("GET /api/sessions/{id}", handlers.Sessions.GetSession)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", handlers.Sessions.CancelSession)
	mux.HandleFunc("GET /api/users/{id}/sessions", handlers.Sessions.ListUserSessions)

	var cut http.Handler = http.HandlerFunc(handlers.Sessions.ApplyCut)
	if limiter != nil && cfg.CutRateLimit > 0 {
		cut = middleware.RateLimit(limiter, "cut", cfg.CutRateLimit, cfg.CutRateWindow, logger)(cut)
	}
	mux.Handle("POST /api/sessions/{id}/cuts", cut)

	if handlers.Pipeline != nil {
		mux.Handle("POST /api/admin/expiry/sweep",
			middleware.Auth(cfg.AdminAPIKey)(http.HandlerFunc(handlers.Pipeline.TriggerSweep)))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Identity is outermost so the logger sees the caller and the mux
	// pattern lands on the same request value.
	var h http.Handler = mux
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Identity(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
