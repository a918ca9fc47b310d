package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/g-caf/receipt-match-backend/internal/api/handlers"
	"github.com/g-caf/receipt-match-backend/internal/api/middleware"
	"github.com/g-caf/receipt-match-backend/internal/application/jobs"
	"github.com/g-caf/receipt-match-backend/internal/application/learning"
	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// Config holds API server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults for the API server.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
	repo       storage.Repository
	matcher    *matching.Service
	processor  *jobs.Processor
	feedback   *learning.Store
}

// NewServer creates a new API server.
// If processor is nil, job endpoints will not be available.
func NewServer(cfg Config, repo storage.Repository, matcher *matching.Service, processor *jobs.Processor, feedback *learning.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		logger:    logger,
		repo:      repo,
		matcher:   matcher,
		processor: processor,
		feedback:  feedback,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures global middleware.
func (s *Server) setupMiddleware() {
	corsConfig := middleware.CORSConfig{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}
	s.router.Use(middleware.CORS(corsConfig))
	s.router.Use(middleware.Logging(s.logger))
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check (no /api prefix - for load balancers)
	healthHandler := handlers.NewHealthHandler()
	s.router.Get("/health", healthHandler.ServeHTTP)

	s.router.Route("/api", func(r chi.Router) {
		// Matching
		matchesHandler := handlers.NewMatchesHandler(s.matcher, s.repo)
		r.Post("/matches/auto", matchesHandler.RunAutoMatch)
		r.Post("/matches/{id}/confirm", matchesHandler.ConfirmMatch)
		r.Post("/matches/{id}/reject", matchesHandler.RejectMatch)
		r.Get("/suggestions/{itemType}/{id}", matchesHandler.GetSuggestions)
		r.Get("/unmatched", matchesHandler.ListUnmatched)

		// Config and metrics
		configHandler := handlers.NewConfigHandler(s.matcher)
		r.Get("/config", configHandler.Get)
		r.Put("/config", configHandler.Update)

		metricsHandler := handlers.NewMetricsHandler(s.matcher)
		r.Get("/metrics", metricsHandler.Get)

		// Learning feedback
		if s.feedback != nil {
			feedbackHandler := handlers.NewFeedbackHandler(s.feedback)
			r.Post("/feedback", feedbackHandler.Submit)
		}

		// Bulk jobs
		if s.processor != nil {
			jobsHandler := handlers.NewJobsHandler(s.processor, s.repo)
			r.Post("/jobs", jobsHandler.Submit)
			r.Get("/jobs", jobsHandler.List)
			r.Get("/jobs/{id}", jobsHandler.Get)
			r.Delete("/jobs/{id}", jobsHandler.Cancel)
		}
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")

	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}
