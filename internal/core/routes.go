package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultRequestTimeout = 15 * time.Second

// Header values masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
	"X-User-Id",
}

// MountRoutes installs the global middleware chain, /health, the root
// registrars and the /v1 group. Call once after registrars are set.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)
	for _, register := range s.RouteRegistrars {
		register(s.router)
	}
	s.router.Route("/v1", s.mountV1)
}

// Order matters: Recoverer outermost, then timeout and request id so every
// later layer can log the id.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

// mountV1 applies rate limiting to the public API only; provider webhooks
// on the root router are never throttled.
func (s *Server) mountV1(r chi.Router) {
	r.Use(s.RateLimit)
	for _, register := range s.V1RouteRegistrars {
		register(r)
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}
