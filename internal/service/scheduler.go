package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/config"
	"github.com/ifuryst/dispatcher/internal/service/dispatch"
)

// JobRunner runs one publish invocation.
type JobRunner interface {
	Run(ctx context.Context) (*dispatch.Summary, error)
}

// Scheduler triggers the publish job on a fixed interval for deployments
// without an external cron. Each tick is an ordinary invocation.
type Scheduler struct {
	config *config.SchedulerConfig
	logger *zap.Logger
	runner JobRunner
	ticker *time.Ticker
	stopCh chan struct{}
}

func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, runner JobRunner) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger,
		runner: runner,
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	interval, err := time.ParseDuration(s.config.Interval)
	if err != nil {
		s.logger.Error("Invalid scheduler interval", zap.String("interval", s.config.Interval), zap.Error(err))
		return err
	}

	s.logger.Info("Starting scheduler", zap.String("interval", s.config.Interval))

	s.ticker = time.NewTicker(interval)

	go func() {
		s.logger.Info("Running initial publish")
		s.runOnce(ctx)

		for {
			select {
			case <-s.ticker.C:
				s.runOnce(ctx)
			case <-s.stopCh:
				s.logger.Info("Scheduler stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Scheduler context cancelled")
				return
			}
		}
	}()

	return nil
}

func (s *Scheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) runOnce(ctx context.Context) {
	summary, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("Scheduled publish failed", zap.Error(err))
		return
	}

	s.logger.Info("Scheduled publish completed",
		zap.String("run_id", summary.RunID),
		zap.Int("items_processed", summary.ItemsProcessed),
		zap.Int("published_count", summary.PublishedCount),
		zap.Int("failed_count", summary.FailedCount),
		zap.String("message", summary.Message))
}
