package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/metrics"
)

// AttemptCounter reports delivery record counts per state.
type AttemptCounter interface {
	CountAttemptsByState(ctx context.Context) (map[string]int64, error)
}

// StatsUpdater periodically refreshes the delivery ledger gauges
type StatsUpdater struct {
	counter AttemptCounter
	logger  *zap.Logger
	ticker  *time.Ticker
	done    chan bool
}

// NewStatsUpdater creates a new stats updater
func NewStatsUpdater(counter AttemptCounter, logger *zap.Logger, interval time.Duration) *StatsUpdater {
	return &StatsUpdater{
		counter: counter,
		logger:  logger,
		ticker:  time.NewTicker(interval),
		done:    make(chan bool),
	}
}

// Start begins the periodic stats update process
func (s *StatsUpdater) Start(ctx context.Context) {
	go func() {
		s.logger.Info("Starting stats updater")
		s.updateStats(ctx)
		for {
			select {
			case <-s.done:
				s.logger.Info("Stats updater stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Stats updater stopped due to context cancellation")
				return
			case <-s.ticker.C:
				s.updateStats(ctx)
			}
		}
	}()
}

// Stop stops the stats updater
func (s *StatsUpdater) Stop() {
	s.ticker.Stop()
	close(s.done)
}

func (s *StatsUpdater) updateStats(ctx context.Context) {
	s.logger.Debug("Updating statistics")

	counts, err := s.counter.CountAttemptsByState(ctx)
	if err != nil {
		s.logger.Error("Failed to count delivery attempts", zap.Error(err))
		return
	}
	metrics.SetAttemptCounts(counts)

	s.logger.Debug("Statistics updated successfully", zap.Any("attempts", counts))
}
