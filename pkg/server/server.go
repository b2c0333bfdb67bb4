// Package server exposes the engine over HTTP: orchestration, streaming
// via server-sent events, and introspection endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"quorumlabs/quorum/pkg/breaker"
	"quorumlabs/quorum/pkg/config"
	"quorumlabs/quorum/pkg/orchestrator"
	"quorumlabs/quorum/pkg/patterns"
	"quorumlabs/quorum/pkg/registry"
	"quorumlabs/quorum/pkg/telemetry/metrics"
)

// Server hosts the HTTP surface over one engine.
type Server struct {
	config   config.ServerConfig
	engine   *orchestrator.Engine
	registry *registry.Registry
	breakers *breaker.Registry
	patterns *patterns.Library
	metrics  *metrics.Collector
	logger   *slog.Logger

	httpServer   *http.Server
	shutdownOnce sync.Once
}

// New creates a server around the engine.
func New(cfg config.ServerConfig, engine *orchestrator.Engine, reg *registry.Registry, breakers *breaker.Registry, lib *patterns.Library, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		engine:   engine,
		registry: reg,
		breakers: breakers,
		patterns: lib,
		metrics:  collector,
		logger:   logger,
	}
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "address", s.config.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		s.logger.Info("http server shutting down")
		err = s.httpServer.Shutdown(shutdownCtx)
	})
	return err
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/orchestrate", s.handleOrchestrate)
	mux.HandleFunc("POST /v1/orchestrate/stream", s.handleStream)
	mux.HandleFunc("POST /v1/analyze", s.handleQuickAnalyze)
	mux.HandleFunc("POST /v1/compare", s.handleCompare)
	mux.HandleFunc("GET /v1/patterns", s.handlePatterns)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return requestID(logRequests(s.logger, mux))
}
