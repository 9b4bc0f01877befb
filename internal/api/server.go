package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Real-time evaluation
	router.Post("/evaluate", handler.Evaluate)

	// Transactions and verdicts
	router.Post("/transactions", handler.IngestTransaction)
	router.Get("/transactions/{id}", handler.GetTransaction)
	router.Get("/results/{id}", handler.GetResult)

	// Rule management
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/reload", handler.ReloadRules)
		r.Get("/{id}", handler.GetRule)
		r.Delete("/{id}", handler.DeactivateRule)
		r.Post("/{id}/test", handler.TestRule)
	})

	// Batch scans
	router.Route("/scans", func(r chi.Router) {
		r.Post("/", handler.SubmitScan)
		r.Get("/{id}", handler.GetScan)
		r.Post("/{id}/cancel", handler.CancelScan)
	})

	// Rule performance metrics
	router.Route("/metrics/rules", func(r chi.Router) {
		r.Get("/", handler.ListRuleMetrics)
		r.Get("/{id}", handler.GetRuleMetrics)
		r.Post("/{id}/reset", handler.ResetRuleMetrics)
		r.Post("/{id}/false-positive", handler.ReportFalsePositive)
	})

	// Model training
	router.Route("/training", func(r chi.Router) {
		r.Post("/", handler.SubmitTraining)
		r.Get("/{id}", handler.GetTraining)
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
