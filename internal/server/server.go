// Package server provides the HTTP API for the placement service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/pavera/placement/internal/config"
	"github.com/pavera/placement/internal/repository/etcd"
	"github.com/pavera/placement/internal/repository/memory"
	"github.com/pavera/placement/internal/repository/postgres"
	"github.com/pavera/placement/internal/repository/redis"
	"github.com/pavera/placement/internal/server/middleware"
	allocationservice "github.com/pavera/placement/internal/services/allocation"
	providerservice "github.com/pavera/placement/internal/services/provider"
	"github.com/pavera/placement/internal/solver"
)

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Repository interfaces (abstracted for swappable backends)
	providerRepo   providerservice.Repository
	allocationRepo allocationservice.Repository
	solverRepo     solver.Repository

	// Services
	providerService   *providerservice.Service
	allocationService *allocationservice.Service
	solver            *solver.Solver
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis caching.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd instance registration.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	s.initRepositories()
	s.initServices()
	s.registerRoutes()

	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		providerRepo := postgres.NewProviderRepository(s.db, s.logger)
		s.providerRepo = providerRepo
		s.allocationRepo = postgres.NewAllocationRepository(s.db, s.logger)
		s.solverRepo = postgres.NewSnapshotRepository(s.db, providerRepo, s.logger)
	} else {
		// In-memory store (development mode)
		s.logger.Info("Initializing in-memory store")
		store := memory.NewStore()
		s.providerRepo = store
		s.allocationRepo = store
		s.solverRepo = store
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
}

// initServices initializes business logic services.
func (s *Server) initServices() {
	solverConfig := solver.DefaultConfig()
	if s.config.Solver.MaxCandidates > 0 {
		solverConfig.MaxCandidates = s.config.Solver.MaxCandidates
	}
	if s.config.Solver.Deadline > 0 {
		solverConfig.Deadline = s.config.Solver.Deadline
	}

	s.solver = solver.New(s.solverRepo, solverConfig, s.logger)
	s.providerService = providerservice.NewService(s.providerRepo, s.logger)
	s.allocationService = allocationservice.NewService(s.allocationRepo, s.logger)

	s.logger.Info("Services initialized",
		zap.Int("solver_max_candidates", solverConfig.MaxCandidates),
		zap.Duration("solver_deadline", solverConfig.Deadline),
	)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)

	// Placement API
	s.mux.HandleFunc("/allocation_candidates", s.handleAllocationCandidates)
	s.mux.HandleFunc("/allocations", s.handleAllocationsBatch)
	s.mux.HandleFunc("/allocations/", s.handleConsumerAllocations)
	s.mux.HandleFunc("/resource_providers", s.handleProviders)
	s.mux.HandleFunc("/resource_providers/", s.handleProviderByID)

	s.logger.Info("All routes registered")
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	if s.config.Auth.Enabled {
		handler = middleware.NewBearerAuth(s.config.Auth.JWTSecret, s.logger).Handler(handler)
	}
	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/health" || r.URL.Path == "/healthz" || r.URL.Path == "/ready" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"placement"}`)
}

// readyHandler returns readiness status, checking backing services.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}
	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":   ready,
		"details": details,
	})
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.etcd != nil {
		instanceID := uuid.New().String()
		if err := s.etcd.Register(ctx, instanceID, s.config.Server.Address()); err != nil {
			return fmt.Errorf("failed to register instance: %w", err)
		}
		defer func() {
			deregCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := s.etcd.Deregister(deregCtx, instanceID); err != nil {
				s.logger.Warn("Failed to deregister instance", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("address", s.config.Server.Address()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
