// Package router provides HTTP routing configuration using Chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/api/handler"
	"github.com/remiblancher/qsign/internal/api/middleware"
	"github.com/remiblancher/qsign/internal/api/service"
	"github.com/remiblancher/qsign/pkg/engine"
)

// Config holds router configuration.
type Config struct {
	Services []string
	Version  string

	Engine *engine.Context

	// OCSP and TSA answer the RFC 6960 and RFC 3161 endpoints. A nil
	// responder disables its route.
	OCSP http.Handler
	TSA  http.Handler

	// Registry exposes /metrics; nil disables it.
	Registry *prometheus.Registry

	Checks map[string]handler.Check
	Logger *zap.Logger
}

// HasService checks if a service is enabled.
func (c *Config) HasService(name string) bool {
	for _, s := range c.Services {
		if s == "all" || s == name {
			return true
		}
	}
	return false
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(middleware.CORS)
	if cfg.Registry != nil {
		r.Use(middleware.NewMetrics(cfg.Registry).Handler)
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	// Health endpoints (always enabled)
	healthHandler := handler.NewHealthHandler(cfg.Version, cfg.Services, cfg.Checks)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.HasService("api") && cfg.Engine != nil {
		engineHandler := handler.NewEngineHandler(service.NewEngineService(cfg.Engine))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/sign", engineHandler.Sign)
			r.Post("/verify", engineHandler.Verify)
			r.Post("/encrypt", engineHandler.Encrypt)
			r.Post("/decrypt", engineHandler.Decrypt)
			r.Get("/certificates", engineHandler.Certificates)
			r.Get("/version", engineHandler.Version)
		})
	}

	// RFC protocol endpoints (without auth, for standard clients)
	if cfg.HasService("ocsp") && cfg.OCSP != nil {
		r.Handle("/ocsp", cfg.OCSP)
		r.Handle("/ocsp/*", http.StripPrefix("/ocsp", cfg.OCSP))
	}
	if cfg.HasService("tsa") && cfg.TSA != nil {
		r.Handle("/tsa", cfg.TSA)
	}

	return r
}
