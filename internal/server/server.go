// Package server is the HTTP/WebSocket surface over the manager. It
// only shapes requests and responses; all orchestration lives in
// internal/manager.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tartvm-manager/internal/config"
	"tartvm-manager/internal/manager"
)

type Server struct {
	engine  *gin.Engine
	manager *manager.Manager
	cfg     *config.Config
	logger  *slog.Logger
	httpSrv *http.Server
}

func New(cfg *config.Config, mgr *manager.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		engine:  engine,
		manager: mgr,
		cfg:     cfg,
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the route tree; tests drive it via httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}
	s.logger.Info("listening", "addr", s.cfg.Addr())
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
