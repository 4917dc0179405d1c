package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openutility/flume/internal/domain"
	"github.com/openutility/flume/internal/engine"
	"github.com/openutility/flume/internal/ledger"
	"github.com/openutility/flume/internal/policy"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, store *policy.Store, eng *engine.Engine, led *ledger.Ledger, cache domain.Cache, repo domain.Repository, version string) *Server {
	handler := NewHandler(store, eng, led, cache, repo, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/api", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Evaluation
		r.Post("/rules/evaluate/{ruleId}", handler.EvaluateRule)
		r.Post("/policies/{id}/evaluate", handler.EvaluatePolicy)
		r.Get("/evaluations/{id}", handler.GetEvaluation)

		// Rule management
		r.Post("/rules/create", handler.CreateRule)
		r.Get("/rules/{id}", handler.GetRule)
		r.Get("/rules/{id}/stats", handler.GetRuleStats)
		r.Post("/rule-groups", handler.CreateRuleGroup)
		r.Post("/rule-exceptions", handler.CreateRuleException)

		// Policy management
		r.Post("/policies", handler.CreatePolicy)
		r.Get("/policies/{id}", handler.GetPolicy)
		r.Post("/policies/{id}/activate", handler.ActivatePolicy)
		r.Post("/policies/{id}/deactivate", handler.DeactivatePolicy)
		r.Post("/policies/{id}/versions", handler.CreateVersion)
		r.Get("/policies/{id}/versions", handler.ListVersions)
		r.Post("/policy-categories", handler.CreateCategory)
		r.Post("/policiesWithCategories", handler.CreatePolicyWithCategory)

		// Tariff configuration
		r.Post("/tariff-plans", handler.CreateTariffPlan)
		r.Post("/tariff-components", handler.CreateTariffComponent)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
