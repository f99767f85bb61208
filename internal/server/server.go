package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftlock/llmgate/internal/auth"
	"github.com/driftlock/llmgate/internal/dispatch"
	"github.com/driftlock/llmgate/internal/models"
	"github.com/driftlock/llmgate/internal/observability"
	"github.com/driftlock/llmgate/internal/providers"
	"github.com/driftlock/llmgate/internal/ratelimit"
	"github.com/driftlock/llmgate/internal/router"
	"github.com/driftlock/llmgate/internal/usage"
)

// Server is the gateway's HTTP front end wired over the long-lived
// components.
type Server struct {
	config        *Config
	mux           *chi.Mux
	dispatcher    *dispatch.Dispatcher
	gwRouter      *router.Router
	limiter       *ratelimit.Limiter
	authMgr       *auth.Manager
	watcher       *auth.Watcher
	usage         *usage.Tracker
	logger        *zap.Logger
	metrics       *observability.Metrics
	tracing       *observability.Tracing
	server        *http.Server
	startedAt     time.Time
	metricsCancel context.CancelFunc
}

// Config holds the full gateway configuration.
type Config struct {
	Gateway struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"gateway"`

	Auth struct {
		TokenStorePath string   `mapstructure:"token_store_path"`
		WatchFiles     []string `mapstructure:"watch_files"`
	} `mapstructure:"auth"`

	ModelAliases []models.ModelAlias              `mapstructure:"model_aliases"`
	RateLimits   []models.RateLimitConfig         `mapstructure:"rate_limits"`
	Providers    map[string]models.ProviderConfig `mapstructure:"providers"`

	Observability struct {
		Logging observability.LoggerConfig  `mapstructure:"logging"`
		Metrics observability.MetricsConfig `mapstructure:"metrics"`
		Tracing observability.TracingConfig `mapstructure:"tracing"`
	} `mapstructure:"observability"`
}

// loopbackHosts are the only bind addresses the gateway accepts.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// ValidateHost refuses non-loopback bind addresses. The gateway is
// single-tenant and must not be reachable from the network.
func ValidateHost(host string) error {
	if host == "" {
		return nil
	}
	if _, ok := loopbackHosts[host]; !ok {
		return fmt.Errorf("gateway host %q is not a loopback address; must be one of localhost, 127.0.0.1, ::1", host)
	}
	return nil
}

// NewServer creates a server instance.
func NewServer(config *Config) (*Server, error) {
	if err := ValidateHost(config.Gateway.Host); err != nil {
		return nil, err
	}
	host := config.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}

	logger, err := observability.NewLogger(config.Observability.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := observability.NewMetrics(config.Observability.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracing := observability.NewTracing(config.Observability.Tracing, logger)

	store := auth.NewStore(config.Auth.TokenStorePath, logger)
	authMgr := auth.NewManager(store, config.Providers, logger)
	watcher := auth.NewWatcher(authMgr, logger)

	limiter := ratelimit.NewLimiter(config.RateLimits, metrics, logger)
	gwRouter := router.New(config.ModelAliases, logger)
	registry := buildRegistry(config.Providers, logger)
	tracker := usage.NewTracker(metrics)

	dispatcher := dispatch.New(gwRouter, limiter, authMgr, registry, tracker, metrics, logger)

	s := &Server{
		config:     config,
		mux:        chi.NewRouter(),
		dispatcher: dispatcher,
		gwRouter:   gwRouter,
		limiter:    limiter,
		authMgr:    authMgr,
		watcher:    watcher,
		usage:      tracker,
		logger:     logger,
		metrics:    metrics,
		tracing:    tracing,
		startedAt:  time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(host, fmt.Sprintf("%d", config.Gateway.Port)),
		Handler:      s.mux,
		ReadTimeout:  config.Gateway.ReadTimeout,
		WriteTimeout: config.Gateway.WriteTimeout,
		IdleTimeout:  config.Gateway.IdleTimeout,
	}

	return s, nil
}

// buildRegistry creates an adapter per enabled provider. Providers whose
// name suggests the Gemini wire format get the Gemini adapter; everything
// else is treated as OpenAI-shaped.
func buildRegistry(configs map[string]models.ProviderConfig, logger *zap.Logger) *providers.Registry {
	registry := providers.NewRegistry()
	agents := providers.NewUserAgentPool()

	for name, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		lower := strings.ToLower(name)
		if strings.Contains(lower, "gemini") || strings.Contains(lower, "google") {
			registry.Register(providers.NewGeminiAdapter(name, cfg, agents, logger))
		} else {
			registry.Register(providers.NewOpenAIAdapter(name, cfg, agents, logger))
		}
		logger.Info("Registered provider adapter", zap.String("provider", name))
	}

	return registry
}

// setupRoutes configures the HTTP routes and middleware.
func (s *Server) setupRoutes() {
	s.mux.Use(middleware.RealIP)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
	s.mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.mux.Get("/health", s.handleHealth)

	s.mux.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletion)
		r.Get("/models", s.handleGetModels)
	})

	s.mux.Route("/api/dashboard", func(r chi.Router) {
		r.Get("/status", s.handleDashboardStatus)
		r.Get("/tokens", s.handleDashboardTokens)
		r.Get("/usage", s.handleDashboardUsage)
		r.Get("/models", s.handleDashboardModels)
		r.Post("/tokens/{provider}/device-flow", s.handleDeviceFlowStart)
		r.Post("/tokens/{provider}/device-flow/complete", s.handleDeviceFlowComplete)
		r.Post("/tokens/{provider}/refresh", s.handleTokenRefresh)
		r.Post("/tokens/{provider}", s.handleTokenInsert)
	})

	s.mux.NotFound(s.handleNotFound)
}

// requestIDMiddleware stamps every response with a fresh request id.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

// observabilityMiddleware traces and measures every request.
func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := s.tracing.StartSpan(r.Context(), "http_request")
		defer span.End()

		s.tracing.SetAttributes(ctx, map[string]string{
			"http.method": r.Method,
			"http.url":    r.URL.String(),
		})

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		s.metrics.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, duration)

		s.tracing.SetAttributes(ctx, map[string]string{
			"http.status_code": fmt.Sprintf("%d", wrapped.statusCode),
		})
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code while
// still exposing flushing for SSE.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start starts the server and begins accepting requests.
func (s *Server) Start() error {
	if len(s.config.Auth.WatchFiles) > 0 {
		if err := s.watcher.Start(s.config.Auth.WatchFiles); err != nil {
			s.logger.Warn("Failed to start token file watcher", zap.Error(err))
		}
	}

	if s.config.Observability.Metrics.Enabled {
		metricsCtx, cancel := context.WithCancel(context.Background())
		s.metricsCancel = cancel
		go func() {
			if err := s.metrics.StartMetricsServer(metricsCtx); err != nil {
				s.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Starting llmgate server",
		zap.String("addr", s.server.Addr),
		zap.Int("aliases", len(s.config.ModelAliases)))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Gateway.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
	}

	// Queued requests fail deterministically instead of hanging.
	s.limiter.Dispose()
	s.watcher.Stop()
	if s.metricsCancel != nil {
		s.metricsCancel()
	}

	observability.SyncLogger(s.logger)
	s.logger.Info("Server stopped")
	return err
}

// WaitForShutdown waits for shutdown signals and gracefully stops the server.
func (s *Server) WaitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	s.logger.Info("Received shutdown signal")
	s.Stop()
}

// GetRouter returns the underlying chi router for testing purposes.
func (s *Server) GetRouter() *chi.Mux {
	return s.mux
}
