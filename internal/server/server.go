package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mihaisavezi/claude-relay/internal/config"
	"github.com/mihaisavezi/claude-relay/internal/engine"
	"github.com/mihaisavezi/claude-relay/internal/handlers"
	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/middleware"
	"github.com/mihaisavezi/claude-relay/internal/repository"
	"github.com/mihaisavezi/claude-relay/internal/resolver"
	"github.com/mihaisavezi/claude-relay/internal/router"
	"github.com/mihaisavezi/claude-relay/internal/storage"
	"github.com/mihaisavezi/claude-relay/internal/tokens"
	"github.com/mihaisavezi/claude-relay/internal/transformers"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	config *config.Manager
	logger *slog.Logger
	server *http.Server

	store   storage.Store
	repos   *repository.Set
	keys    *keypool.Manager
	logs    *repository.LogWriter
	engine  *engine.Engine
	counter *tokens.Counter
}

func New(configManager *config.Manager, logger *slog.Logger) *Server {
	return &Server{
		config: configManager,
		logger: logger,
	}
}

// setup opens storage, imports seed data and wires the request path. The caller owns teardown.
func (s *Server) setup(ctx context.Context) error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	s.store = store

	s.repos = repository.New(store)
	s.keys = keypool.NewManager(s.repos.KeyPools, keypool.Options{MaxConsecutiveErrors: cfg.MaxConsecutiveErrors}, s.logger)
	s.logs = repository.NewLogWriter(s.repos.Logs, s.repos.Usage, s.logger, repository.DefaultLogBuffer)
	s.counter = tokens.NewCounter(s.logger)

	if err := Seed(ctx, cfg, s.repos, s.keys, s.logger); err != nil {
		return fmt.Errorf("seed storage: %w", err)
	}

	client := &http.Client{Timeout: cfg.Timeout()}
	registry := transformers.NewRegistry(client, s.logger)
	rt := router.New(tokens.EstimatorFunc(tokens.Estimate), cfg.LongContextThreshold, s.logger)
	res := resolver.New(s.repos.Routes, s.repos.Providers, s.keys, rt, registry, s.logs, s.logger)

	s.engine, err = engine.New(
		s.repos.Routes,
		res,
		s.keys,
		registry,
		s.logs,
		engine.Passthrough{APIKey: cfg.Claude.APIKey, BaseURL: cfg.Claude.BaseURL},
		s.counter,
		s.logger,
	)
	if err != nil {
		return err
	}

	s.logger.Info("Relay ready",
		"storage", cfg.Storage.Driver,
		"transformers", registry.List(),
		"long_context_threshold", cfg.LongContextThreshold,
		"claude_passthrough", cfg.Claude.APIKey != "",
	)
	return nil
}

func (s *Server) teardown() {
	if s.logs != nil {
		s.logs.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close storage", "error", err)
		}
	}
}

func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.setup(ctx); err != nil {
		s.teardown()
		return err
	}
	defer s.teardown()

	cfg := s.config.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go s.keys.RunMaintenance(ctx, cfg.Maintenance())
	go s.runPurge(ctx, cfg.Maintenance())

	s.logger.Info("Starting server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// runPurge drops expired rows every interval on backends without native TTLs.
func (s *Server) runPurge(ctx context.Context, interval time.Duration) {
	purger, ok := s.store.(storage.Purger)
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("Failed to purge expired entries", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("Purged expired entries", "count", n)
			}
		}
	}
}

func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	proxyHandler := handlers.NewProxyHandler(s.engine, s.counter, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)
	adminHandler := handlers.NewAdminHandler(s.repos, s.keys, s.logs, s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)
	defaultChain := middlewareSet.DefaultChain()

	r.Method(http.MethodGet, "/health", middlewareSet.HealthChain().Handler(healthHandler))
	r.Method(http.MethodHead, "/health", middlewareSet.HealthChain().Handler(healthHandler))

	r.Handle("/v1/messages", defaultChain.Handler(proxyHandler))
	r.Mount("/admin", defaultChain.Handler(adminHandler.Routes()))

	// the Claude CLI also talks to telemetry hosts through the relay
	r.NotFound(middlewareSet.PublicChain().Handler(http.NotFoundHandler()).ServeHTTP)

	return r
}
