// Package api exposes the admin/ops HTTP surface: guard status, flag
// clearing, manual reconciliation, panic trigger, retry-queue inspection.
// Every mutating route requires an admin JWT; flags are never cleared by a
// background process.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"trading-guardian/config"
	"trading-guardian/internal/auth"
	"trading-guardian/internal/database"
	"trading-guardian/internal/events"
	"trading-guardian/internal/guard"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	logger     zerolog.Logger

	repo        *database.Repository
	eventBus    *events.EventBus
	authService *auth.Service

	breaker    *guard.CircuitBreakerService
	reconciler *guard.ReconciliationService
	panicSvc   *guard.EmergencyPanicService
	closeSvc   *guard.TradeCloseService
}

func NewServer(
	cfg config.ServerConfig,
	repo *database.Repository,
	eventBus *events.EventBus,
	authService *auth.Service,
	breaker *guard.CircuitBreakerService,
	reconciler *guard.ReconciliationService,
	panicSvc *guard.EmergencyPanicService,
	closeSvc *guard.TradeCloseService,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      cfg,
		logger:      logger.With().Str("component", "api").Logger(),
		repo:        repo,
		eventBus:    eventBus,
		authService: authService,
		breaker:     breaker,
		reconciler:  reconciler,
		panicSvc:    panicSvc,
		closeSvc:    closeSvc,
	}
	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/api/auth/login", s.handleLogin)

	protected := s.router.Group("/api/guard")
	protected.Use(auth.Middleware(s.authService.JWTManager()))
	{
		protected.GET("/status", s.handleGuardStatus)
		protected.GET("/breaker/:accountId", s.handleBreakerStatus)
		protected.POST("/safe-mode/clear", s.handleClearSafeMode)
		protected.POST("/panic-mode/clear", s.handleClearPanicMode)
		protected.POST("/panic", s.handleTriggerPanic)
		protected.POST("/reconcile", s.handleManualReconcile)
		protected.GET("/exit-retries", s.handleExitRetries)
		protected.GET("/events", s.handleRecentEvents)
	}
}

// Start runs the HTTP server until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func splitOrigins(origins string) []string {
	if origins == "" {
		return []string{"http://localhost:5173"}
	}
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
