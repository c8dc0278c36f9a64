// Package api exposes the matching engine, viewer sessions and the protocol
// store over HTTP, and publishes bindings to renderers over websockets.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/middleware"
	"github.com/hanging-protocol-server/internal/protocolstore"
	"github.com/hanging-protocol-server/internal/service"
	"github.com/hanging-protocol-server/internal/session"
)

// ProtocolRegistry is the protocol store surface served over HTTP.
type ProtocolRegistry interface {
	domain.ProtocolStore
	Versions(ctx context.Context, id string) ([]protocolstore.Version, error)
	Import(ctx context.Context, protocols []*domain.Protocol) (int, int, error)
	ExportJSON(w io.Writer) error
}

// Server represents the HTTP server
type Server struct {
	config    *domain.Config
	engine    *service.Engine
	protocols ProtocolRegistry
	metadata  domain.MetadataSource
	sessions  *session.Store
	hub       *Hub
	logger    *logrus.Logger
	router    *gin.Engine
	server    *http.Server
	started   time.Time
}

// NewServer creates a new HTTP server instance. metadata may be nil, in which
// case match requests must carry their studies inline.
func NewServer(cfg *domain.Config, protocols ProtocolRegistry, metadata domain.MetadataSource, logger *logrus.Logger) (*Server, error) {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	sessions, err := session.NewStore(cfg.Engine.SessionLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS())
	router.Use(middleware.SecurityHeaders())

	s := &Server{
		config:    cfg,
		engine:    service.NewEngine(protocols, logger),
		protocols: protocols,
		metadata:  metadata,
		sessions:  sessions,
		hub:       NewHub(cfg.Engine.PingInterval, logger),
		logger:    logger,
		router:    router,
		started:   time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the binding publisher.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		var err error
		if cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.RequestTimeout(s.config.Engine.RequestTimeout))
	{
		v1.POST("/match", s.handleMatch)

		v1.GET("/sessions/:id", s.handleGetSession)
		v1.DELETE("/sessions/:id", s.handleDeleteSession)
		v1.POST("/sessions/:id/next", s.handleNextStage)
		v1.POST("/sessions/:id/previous", s.handlePreviousStage)
		v1.POST("/sessions/:id/protocol", s.handleSetProtocol)

		v1.GET("/protocols", s.handleListProtocols)
		v1.POST("/protocols", s.handleCreateProtocol)
		v1.POST("/protocols/validate", s.handleValidateProtocol)
		v1.POST("/protocols/import", s.handleImportProtocols)
		v1.GET("/protocols/export", s.handleExportProtocols)
		v1.GET("/protocols/:id", s.handleGetProtocol)
		v1.PUT("/protocols/:id", s.handleUpdateProtocol)
		v1.DELETE("/protocols/:id", s.handleDeleteProtocol)
		v1.GET("/protocols/:id/versions", s.handleProtocolVersions)
	}

	// Websocket upgrades are long lived and stay outside the request timeout.
	s.router.GET("/api/v1/sessions/:id/ws", s.handleSubscribe)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"protocols": len(s.protocols.ListProtocols()),
		"sessions":  s.sessions.Len(),
	})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case domain.ErrProtocolNotFoundCode, domain.ErrSessionNotFoundCode:
		return http.StatusNotFound
	case domain.ErrProtocolLockedCode, domain.ErrDuplicateProtocolCode:
		return http.StatusConflict
	case domain.ErrInvalidProtocol:
		return http.StatusUnprocessableEntity
	case domain.ErrInvalidRequest:
		return http.StatusBadRequest
	case domain.ErrMetadataUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes an EngineError body.
func (s *Server) respondError(c *gin.Context, code, message string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	engineErr := domain.NewEngineError(code, message, details, c.GetString(middleware.RequestIDKey))
	c.AbortWithStatusJSON(statusFor(code), engineErr)
}

// respondStoreError maps a protocol store error to its coded response.
func (s *Server) respondStoreError(c *gin.Context, message string, err error) {
	code := domain.CodeFor(err)
	if code == domain.ErrInternalServer {
		s.logger.WithError(err).WithField("request_id", c.GetString(middleware.RequestIDKey)).Error(message)
	}
	s.respondError(c, code, message, err)
}
