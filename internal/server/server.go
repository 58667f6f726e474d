// Package server implements the HTTP transport layer for the orchd gateway.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchd/orchd/internal/dispatch"
	"github.com/orchd/orchd/internal/healthcheck"
	"github.com/orchd/orchd/internal/keymanager"
	"github.com/orchd/orchd/internal/reqlog"
	"github.com/orchd/orchd/internal/storage"
	"github.com/orchd/orchd/internal/telemetry"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Keys       *keymanager.Manager
	Dispatcher *dispatch.Dispatcher
	Logger     *reqlog.Logger
	Groups     storage.GroupStore
	Checker    *healthcheck.Checker
	Metrics    *telemetry.Metrics     // nil = no request metrics
	Registry   *prometheus.Registry   // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Client-facing API, one route per inbound dialect. Each handler does
	// its own proxy key extraction since the auth header differs by dialect.
	r.Post("/v1/chat/completions", s.handleOpenAIChat)
	r.Post("/v1/messages", s.handleAnthropicMessages)
	r.Post("/v1beta/models/{modelAction}", s.handleGeminiGenerate)

	// Model listings
	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1beta/models", s.handleGeminiListModels)

	// Admin
	r.Post("/admin/health-check/{group}", s.handleHealthCheck)

	return r
}

type server struct {
	deps Deps
}
