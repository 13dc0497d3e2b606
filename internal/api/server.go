// Package api provides the HTTP and WebSocket transport of tracex. It
// exposes session control endpoints, streams session events over a
// websocket and serves Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/tracex/internal/api/handlers"
	"github.com/anstrom/tracex/internal/api/middleware"
	"github.com/anstrom/tracex/internal/auth"
	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
)

const healthPath = "/api/v1/health"

// Server is the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	hub        *apihandlers.Hub
	sessions   *apihandlers.SessionHandler
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics

	// ctx bounds sessions started through the API; it ends with Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server that drives ctrl and streams events through hub.
// The hub should already be installed as the orchestrator's event sink.
func New(cfg *config.Config, ctrl apihandlers.Controller, hub *apihandlers.Hub,
	logger *logging.Logger, m *metrics.PrometheusMetrics) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if m == nil {
		m = metrics.GetGlobalMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		hub:     hub,
		logger:  logger.WithComponent("api"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	hub.Attach(ctx, ctrl)
	s.sessions = apihandlers.NewSessionHandler(ctx, ctrl, hub, logger)

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.API.ListenAddr, strconv.Itoa(cfg.API.Port)),
		Handler:      s.handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"auth", s.config.API.APIKeyHash != "")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.cancel()
		return err
	}
}

// Stop cancels API-started sessions, disconnects websocket clients and
// shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	s.cancel()
	s.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.API.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.ContentType(s.config.API.MaxRequestSize))
}

// handler wraps the router in CORS, which must see preflight requests
// before route matching.
func (s *Server) handler() http.Handler {
	cors := s.config.API.CORS
	return handlers.CORS(
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
	)(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.APIKey(auth.NewVerifier(s.config.API.APIKeyHash), healthPath))

	api.HandleFunc("/health", s.sessions.Health).Methods(http.MethodGet)
	api.HandleFunc("/session", s.sessions.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/discovery", s.sessions.StartDiscovery).Methods(http.MethodPost)
	api.HandleFunc("/scan", s.sessions.StartPortScan).Methods(http.MethodPost)
	api.HandleFunc("/scan/target", s.sessions.StartScanTarget).Methods(http.MethodPost)
	api.HandleFunc("/cancel", s.sessions.Cancel).Methods(http.MethodPost)
	api.Handle("/ws", s.hub).Methods(http.MethodGet)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// index describes the API for root requests.
func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	response := map[string]any{
		"service": "tracex",
		"version": "v1",
		"endpoints": map[string]string{
			"health":    healthPath,
			"session":   "/api/v1/session",
			"websocket": "/api/v1/ws",
		},
		"timestamp": time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}
