package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/dispatcher/internal/config"
	"github.com/ifuryst/dispatcher/internal/metrics"
	"github.com/ifuryst/dispatcher/internal/service"
	"github.com/ifuryst/dispatcher/internal/service/dispatch"
	"github.com/ifuryst/dispatcher/pkg/errtrack"
)

// Components holds everything a publish run needs. Both the HTTP server and
// the one-shot CLI build it.
type Components struct {
	DB            *gorm.DB
	Store         *service.DeliveryStore
	Notifications *service.NotificationService
	Runner        *dispatch.Runner
	Reporter      *errtrack.Reporter
	Metrics       *prometheus.Registry

	redis       *redis.Client
	broadcaster *service.AMQPBroadcaster
	logger      *zap.Logger
}

func NewComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	reporter, err := errtrack.New(errtrack.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
	}, logger)
	if err != nil {
		logger.Error("Continuing without error tracking", zap.Error(err))
		reporter = errtrack.Disabled()
	}

	registry, err := service.NewPublisherRegistry(cfg.Publishers, cfg.Dispatcher.PublishTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure publishers: %w", err)
	}

	c := &Components{
		DB:       db,
		Store:    service.NewDeliveryStore(db, logger),
		Reporter: reporter,
		logger:   logger,
	}

	notifyOpts := []service.NotificationOption{
		service.WithReporter(reporter),
		service.WithDashboardURL(cfg.Dispatcher.DashboardURL),
	}
	if cfg.Notifications.AMQPURL != "" {
		c.broadcaster = service.NewAMQPBroadcaster(&cfg.Notifications, logger)
		notifyOpts = append(notifyOpts, service.WithBroadcaster(c.broadcaster))
	}
	c.Notifications = service.NewNotificationService(db, logger, notifyOpts...)

	opts := dispatch.OptionsFromConfig(cfg.Dispatcher)
	opts.Reporter = reporter
	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts.Locker = service.NewRunLock(c.redis, cfg.Redis.LockKey, logger)
	}

	c.Runner = dispatch.NewRunner(c.Store, registry, c.Notifications, opts, logger)

	c.Metrics = prometheus.NewRegistry()
	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.MustRegister(c.Metrics)

	return c, nil
}

// Close releases connections. It is safe to call more than once.
func (c *Components) Close() {
	if c.broadcaster != nil {
		_ = c.broadcaster.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("Failed to close redis client", zap.Error(err))
		}
		c.redis = nil
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	c.Reporter.Flush(2 * time.Second)
}
