// Package core provides the HTTP chassis for the relay. It builds a chi
// router that serves both a standard HTTP listener (local runs) and AWS
// Lambda function URL / HTTP API events (via LambdaHandler), and applies the
// cross-cutting concerns (recovery, request IDs, logging, metrics, deadlines)
// before requests reach the webhook handler.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"boommelding/internal/config"
	ncore "boommelding/internal/notifications/core"
)

// RouteRegistrar mounts handler routes on the router. Handler packages
// register themselves through it so core does not import them.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP surface.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// Metrics records per-request telemetry. Nil disables recording.
	Metrics ncore.RequestMetrics

	// HealthChecks are run by GET /health.
	HealthChecks []HealthCheck

	// RouteRegistrars are applied by MountRoutes after the middleware chain.
	RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer creates a Server with an empty router. Callers add checks and
// registrars, then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
