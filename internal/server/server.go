package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/config"
	"github.com/ifuryst/dispatcher/internal/models"
	"github.com/ifuryst/dispatcher/internal/service"
)

// OperatorStore backs the operator API.
type OperatorStore interface {
	ListAttempts(ctx context.Context, contentItemID uint) ([]models.DeliveryAttempt, error)
	ResetAttempt(ctx context.Context, id uint) (*models.DeliveryAttempt, error)
}

type NotificationLister interface {
	List(ctx context.Context, recipient string, limit int) ([]models.Notification, error)
}

type Server struct {
	Config *config.Config
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Runner        service.JobRunner
	Operator      OperatorStore
	Notifications NotificationLister
	Auth          *service.AuthService
	Scheduler     *service.Scheduler
	StatsUpdater  *service.StatsUpdater
	Gatherer      prometheus.Gatherer

	components *Components
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	components, err := NewComponents(cfg, logger)
	if err != nil {
		return nil, err
	}

	srv := New(cfg, logger, components.Runner, components.Store, components.Notifications, components.Metrics)
	srv.Scheduler = service.NewScheduler(&cfg.Scheduler, logger, components.Runner)
	srv.StatsUpdater = service.NewStatsUpdater(components.Store, logger, time.Minute)
	srv.components = components
	return srv, nil
}

// New assembles the HTTP surface around already-built services.
func New(cfg *config.Config, logger *zap.Logger, runner service.JobRunner, operator OperatorStore, notifications NotificationLister, gatherer prometheus.Gatherer) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config:        cfg,
		Router:        gin.New(),
		Logger:        logger,
		Runner:        runner,
		Operator:      operator,
		Notifications: notifications,
		Auth:          service.NewAuthService(logger, cfg.Dispatcher.TriggerSecret, cfg.Operator.TOTPSecret),
		Gatherer:      gatherer,
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// keep secrets passed as query parameters out of the logs
		s.Logger.Info("HTTP request",
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_agent", c.Request.UserAgent()))
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	if s.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	// Trigger for the external scheduler
	cron := s.Router.Group("/api/cron", s.Auth.TriggerMiddleware())
	{
		cron.GET("/publish-scheduled", s.handlePublishScheduled)
		cron.POST("/publish-scheduled", s.handlePublishScheduled)
	}

	// Operator API
	api := s.Router.Group("/api/v1", s.Auth.OperatorMiddleware())
	{
		api.GET("/content/:id/deliveries", s.handleListDeliveries)
		api.POST("/deliveries/:id/reset", s.handleResetDelivery)
		api.GET("/notifications", s.handleListNotifications)
	}
}

func (s *Server) handlePublishScheduled(c *gin.Context) {
	// a caller hanging up must not cut a run short
	ctx := context.WithoutCancel(c.Request.Context())

	summary, err := s.Runner.Run(ctx)
	if err != nil {
		s.Logger.Error("Publish run failed", zap.Error(err))
		if summary == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Publish run failed", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, summary)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleListDeliveries(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	attempts, err := s.Operator.ListAttempts(c.Request.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to list delivery attempts", zap.Uint("content_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deliveries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deliveries": attempts})
}

func (s *Server) handleResetDelivery(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	attempt, err := s.Operator.ResetAttempt(c.Request.Context(), id)
	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrAttemptNotResettable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.Logger.Error("Failed to reset delivery attempt", zap.Uint("attempt_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset delivery"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"delivery": attempt})
}

func (s *Server) handleListNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	notifications, err := s.Notifications.List(c.Request.Context(), c.Query("recipient"), limit)
	if err != nil {
		s.Logger.Error("Failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) Start(ctx context.Context) error {
	if s.Scheduler != nil {
		if err := s.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if s.StatsUpdater != nil {
		s.StatsUpdater.Start(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop background loops first
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.StatsUpdater != nil {
		s.StatsUpdater.Stop()
	}

	var err error
	if s.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		err = s.Server.Shutdown(shutdownCtx)
	}

	if s.components != nil {
		s.components.Close()
	}
	return err
}
