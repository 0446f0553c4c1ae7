// Package api exposes the escrow entry points and operator routes over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/core/escrow"
	"github.com/vietddude/escrowd/internal/health"
	"github.com/vietddude/escrowd/internal/infra/breaker"
)

// Escrow is the part of the orchestrator the API drives.
type Escrow interface {
	Initiate(ctx context.Context, req escrow.InitiateRequest) (*domain.Transaction, error)
	ConfirmRelease(ctx context.Context, txID, actorID string) (*domain.Transaction, error)
	Cancel(ctx context.Context, txID, actorID, reason string) (*domain.Transaction, error)
	GetStatus(ctx context.Context, txID string) (*escrow.Snapshot, error)
	Resume(ctx context.Context, txID string) (*domain.Transaction, error)
	RetryReturn(ctx context.Context, txID string) (*domain.Transaction, error)
	ListUnresolved(ctx context.Context) ([]*escrow.Snapshot, error)
}

// Breakers lists and resets circuit breakers.
type Breakers interface {
	Snapshot() []breaker.Snapshot
	Reset(t domain.MethodType) bool
}

// HealthChecker reports system health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) health.HealthReport
}

// Config holds HTTP server settings.
type Config struct {
	Port       int
	AdminToken string
}

// ActorHeader carries the authenticated caller id, set by the gateway in
// front of this service.
const ActorHeader = "X-Actor-ID"

// Server is the escrowd HTTP server.
type Server struct {
	escrow   Escrow
	breakers Breakers
	health   HealthChecker
	logger   *slog.Logger

	router   *gin.Engine
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new server and registers its routes.
func NewServer(cfg Config, esc Escrow, breakers Breakers, hc HealthChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		escrow:   esc,
		breakers: breakers,
		health:   hc,
		logger:   logger,
		router:   router,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.GET("/health", s.handleHealth)
	router.GET("/health/detailed", s.handleHealthDetailed)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", requireActor())
	{
		v1.POST("/transactions", s.handleInitiate)
		v1.GET("/transactions/:id", s.handleStatus)
		v1.POST("/transactions/:id/release", s.handleRelease)
		v1.POST("/transactions/:id/cancel", s.handleCancel)
	}

	if cfg.AdminToken != "" {
		admin := router.Group("/admin", requireToken(cfg.AdminToken))
		{
			admin.GET("/breakers", s.handleBreakers)
			admin.POST("/breakers/:type/reset", s.handleBreakerReset)
			admin.GET("/unresolved", s.handleUnresolved)
			admin.POST("/transactions/:id/retry-return", s.handleRetryReturn)
			admin.POST("/transactions/:id/resume", s.handleResume)
		}
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Listen binds the server's address so bind failures surface before Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Serve accepts connections until Stop is called, binding first if Listen
// was not called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("API listening", "addr", s.Addr())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
