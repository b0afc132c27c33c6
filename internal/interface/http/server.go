// Package http exposes the engine's REST and WebSocket surface: the tap
// ingress used by reader gateways, session lifecycle endpoints for
// instructor consoles, and live roster subscriptions for dashboards.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clirdec/presence-engine/internal/application/command"
	"github.com/clirdec/presence-engine/internal/application/query"
	"github.com/clirdec/presence-engine/internal/interface/realtime"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout - maximum duration for writing the response.
	WriteTimeout time.Duration

	// IdleTimeout - maximum duration for idle connections.
	IdleTimeout time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// EnableCORS - enable CORS headers for browser dashboards.
	EnableCORS bool

	// APIKeyHeader - header name for reader gateway authentication.
	APIKeyHeader string

	// APIKeys - valid API keys; empty disables authentication.
	APIKeys []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		EnableCORS:     true,
		APIKeyHeader:   "X-API-Key",
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// HealthChecker reports the health of a backing component.
type HealthChecker func(ctx context.Context) error

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Command handlers (CQRS write side)
	ProcessTap       *command.ProcessTapHandler
	Corroborate      *command.CorroboratePresenceHandler
	ScheduleSession  *command.ScheduleSessionHandler
	StartSession     *command.StartSessionHandler
	EndSession       *command.EndSessionHandler
	MarkIntervention *command.MarkInterventionHandler

	// Query handlers (CQRS read side)
	GetSession       *query.GetSessionHandler
	GetActiveSession *query.GetActiveSessionHandler
	ListSessions     *query.ListSessionsHandler
	GetBehaviorLevel *query.GetBehaviorLevelHandler

	// Hub serves WebSocket subscriptions.
	Hub *realtime.Hub

	// HealthChecks are probed by the readiness endpoint, keyed by name.
	HealthChecks map[string]HealthChecker

	Logger *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     *http.ServeMux
	logger     *slog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and
// dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	s := &Server{
		config: config,
		deps:   deps,
		router: http.NewServeMux(),
		logger: deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.buildMiddlewareChain(s.router),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /healthz", s.handleHealth) // Kubernetes alias
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /live", s.handleLive)

	// ─────────────────────────────────────────────────────────────────────────
	// Ingress - reader gateways
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("POST /api/v1/taps", s.requireAPIKey(s.handleProcessTap))
	s.router.HandleFunc("POST /api/v1/corroborations", s.requireAPIKey(s.handleCorroborate))

	// ─────────────────────────────────────────────────────────────────────────
	// Sessions - instructor consoles
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("POST /api/v1/sessions", s.requireAPIKey(s.handleScheduleSession))
	s.router.HandleFunc("POST /api/v1/sessions/{id}/start", s.requireAPIKey(s.handleStartSession))
	s.router.HandleFunc("POST /api/v1/sessions/{id}/end", s.requireAPIKey(s.handleEndSession))
	s.router.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.router.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	s.router.HandleFunc("GET /api/v1/classrooms/{id}/session", s.handleGetActiveSession)

	// ─────────────────────────────────────────────────────────────────────────
	// Behavior - counselor tooling
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("GET /api/v1/students/{id}/behavior", s.handleGetBehaviorLevel)
	s.router.HandleFunc("POST /api/v1/students/{id}/interventions", s.requireAPIKey(s.handleMarkIntervention))

	// ─────────────────────────────────────────────────────────────────────────
	// Realtime
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("GET /ws", s.handleWebSocket)
}

// Start begins listening. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("http server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("http server listening", "address", s.config.Address())

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the middleware-wrapped router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
