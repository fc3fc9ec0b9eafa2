// Package core is the HTTP chassis for the CareIntake API: a chi router with
// the shared middleware chain (recovery, timeouts, request ids, logging,
// CORS, metrics, rate limiting), JSON helpers and health probes. Domain
// handlers attach through route registrars so core never imports them.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"careintake/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server holds the router and its cross-cutting dependencies.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	Validator      *Validator
	Metrics        MetricsCollector
	RateLimitStore RateLimitStore
	HealthProbes   []HealthProbe

	// RouteRegistrars mount routes at the root (provider webhooks).
	RouteRegistrars []func(chi.Router)
	// V1RouteRegistrars mount routes under /v1.
	V1RouteRegistrars []func(chi.Router)

	closers []func() error
	router  *chi.Mux
}

// NewServer validates the critical dependencies and returns a server ready
// for route registration. Call MountRoutes once registrars are set.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a resource to release during Shutdown, in reverse
// registration order.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases registered resources. All closers run even if one fails.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.ErrorContext(ctx, "error releasing resource", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
