package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ifuryst/dispatcher/internal/config"
	"github.com/ifuryst/dispatcher/internal/metrics"
	"github.com/ifuryst/dispatcher/internal/models"
	"github.com/ifuryst/dispatcher/pkg/errtrack"
)

const MessageRunInProgress = "another run is in progress"

// Summary is returned by every run and serialized by the trigger endpoint.
type Summary struct {
	RunID          string `json:"runId"`
	ItemsProcessed int    `json:"itemsProcessed"`
	PublishedCount int    `json:"publishedCount"`
	FailedCount    int    `json:"failedCount"`
	ItemsSkipped   int    `json:"itemsSkipped"`
	ItemsPublished int    `json:"itemsPublished"`
	DurationMs     int64  `json:"durationMs"`
	Message        string `json:"message"`
}

type Options struct {
	MaxRetries             int
	Concurrency            int
	DefaultTimezone        string
	PublishTimeout         time.Duration
	RunTimeout             time.Duration
	StaleDeliveryAfter     time.Duration
	BatchSize              int
	MaxItemsPerRun         int
	HonorPermanentFailures bool
	RetryPublishedItems    bool

	Locker   Locker
	Reporter *errtrack.Reporter
	Now      func() time.Time
}

// OptionsFromConfig maps the dispatcher config section onto Options.
func OptionsFromConfig(cfg config.DispatcherConfig) Options {
	retryPublished := true
	if cfg.RetryPublishedItems != nil {
		retryPublished = *cfg.RetryPublishedItems
	}
	return Options{
		MaxRetries:             cfg.MaxRetries,
		Concurrency:            cfg.Concurrency,
		DefaultTimezone:        cfg.DefaultTimezone,
		PublishTimeout:         cfg.PublishTimeoutDuration(),
		RunTimeout:             cfg.RunTimeoutDuration(),
		StaleDeliveryAfter:     cfg.StaleDeliveryDuration(),
		BatchSize:              cfg.BatchSize,
		MaxItemsPerRun:         cfg.MaxItemsPerRun,
		HonorPermanentFailures: cfg.HonorPermanentFailures,
		RetryPublishedItems:    retryPublished,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 30 * time.Second
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 55 * time.Second
	}
	if o.StaleDeliveryAfter <= 0 {
		o.StaleDeliveryAfter = 15 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxItemsPerRun <= 0 {
		o.MaxItemsPerRun = 500
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Runner is the job entry point. It holds no state between runs.
type Runner struct {
	store      Store
	opts       Options
	selector   *Selector
	attempts   *AttemptManager
	aggregator *StatusAggregator
	logger     *zap.Logger
}

func NewRunner(store Store, publishers Publishers, notifier Notifier, opts Options, logger *zap.Logger) *Runner {
	opts.applyDefaults()
	zones := NewZoneResolver(opts.DefaultTimezone)

	return &Runner{
		store:    store,
		opts:     opts,
		selector: NewSelector(store, zones, opts.BatchSize, opts.MaxItemsPerRun, logger),
		attempts: &AttemptManager{
			store:          store,
			publishers:     publishers,
			notifier:       notifier,
			reporter:       opts.Reporter,
			maxRetries:     opts.MaxRetries,
			publishTimeout: opts.PublishTimeout,
			staleAfter:     opts.StaleDeliveryAfter,
			honorPermanent: opts.HonorPermanentFailures,
			now:            opts.Now,
			logger:         logger,
		},
		aggregator: NewStatusAggregator(store, opts.Now),
		logger:     logger,
	}
}

// Run performs one invocation: select ready items, gate, fan out, aggregate.
// A non-nil error means the run was aborted before any item was processed;
// the summary message describes it.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: uuid.NewString()}
	log := r.logger.With(zap.String("run_id", summary.RunID))

	result := "ok"
	defer func() {
		summary.DurationMs = time.Since(start).Milliseconds()
		metrics.ObserveRun(result, summary.ItemsProcessed, time.Since(start))
	}()

	if r.opts.Locker != nil {
		release, ok, err := r.opts.Locker.TryLock(ctx, r.opts.RunTimeout+r.opts.PublishTimeout)
		switch {
		case err != nil:
			log.Warn("Run lock unavailable, continuing without it", zap.Error(err))
		case !ok:
			log.Info("Skipping run, lock held elsewhere")
			result = "locked"
			summary.Message = MessageRunInProgress
			return summary, nil
		default:
			defer release()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	now := r.opts.Now()
	cache := newRunCache(r.store)

	sel, err := r.selector.Ready(ctx, now, cache, func(ctx context.Context, item *models.ContentItem) (bool, error) {
		return r.dispatchable(ctx, cache, item)
	})
	if err != nil {
		log.Error("Failed to select ready content", zap.Error(err))
		r.opts.Reporter.CaptureError(err, map[string]string{"stage": "select"})
		result = "error"
		summary.Message = fmt.Sprintf("Publish run aborted: %v", err)
		return summary, err
	}
	ready := sel.Ready
	summary.ItemsProcessed += sel.Held
	summary.ItemsSkipped += sel.Held + sel.Invalid

	log.Info("Selected ready content",
		zap.Int("count", len(ready)),
		zap.Int("held", sel.Held),
		zap.Time("now", now))

	seen := make(map[uint]struct{}, len(ready))
	for i := range ready {
		if ctx.Err() != nil {
			break
		}
		seen[ready[i].Item.ID] = struct{}{}
		r.processItem(ctx, cache, &ready[i].Item, ready[i].ScheduledAt, false, summary, log)
	}

	if r.opts.RetryPublishedItems && ctx.Err() == nil {
		r.retryPublished(ctx, cache, seen, summary, log)
	}

	summary.Message = r.message(ctx, summary)
	if ctx.Err() != nil {
		result = "timeout"
	}

	log.Info("Publish run completed",
		zap.Int("items_processed", summary.ItemsProcessed),
		zap.Int("published_count", summary.PublishedCount),
		zap.Int("failed_count", summary.FailedCount),
		zap.Int("items_skipped", summary.ItemsSkipped),
		zap.Duration("duration", time.Since(start)))
	return summary, nil
}

// dispatchable reports whether item has a destination this run could act
// on: it passes the approval gate and at least one destination is neither
// out of retries nor left without aggregation.
func (r *Runner) dispatchable(ctx context.Context, cache *runCache, item *models.ContentItem) (bool, error) {
	policy, err := cache.policy(ctx, item.OrganizationID)
	if err != nil {
		return false, err
	}
	if !MayProceed(item, policy) {
		return false, nil
	}

	connections, err := cache.activeConnections(ctx, item.OrganizationID)
	if err != nil {
		return false, err
	}
	destinations := ResolveDestinations(item, connections)
	if len(destinations) == 0 {
		return false, nil
	}

	attempts, err := r.store.ListAttempts(ctx, item.ID)
	if err != nil {
		return false, err
	}
	byConnection := make(map[uint]models.DeliveryAttempt, len(attempts))
	for _, a := range attempts {
		byConnection[a.ConnectionID] = a
	}
	for _, conn := range destinations {
		a, ok := byConnection[conn.ID]
		// a delivered destination on a scheduled item still needs aggregation
		if !ok || a.State == models.DeliveryDelivered || a.RetryCount < r.opts.MaxRetries {
			return true, nil
		}
	}
	return false, nil
}

// retryPublished revisits published items whose failed destinations still
// have budget. Only destinations with an existing record are attempted, and
// items already handled in this run are left for the next one.
func (r *Runner) retryPublished(ctx context.Context, cache *runCache, seen map[uint]struct{}, summary *Summary, log *zap.Logger) {
	limit := r.opts.MaxItemsPerRun - len(seen)
	if limit <= 0 {
		return
	}

	items, err := r.selector.Retryable(ctx, r.opts.MaxRetries, limit)
	if err != nil {
		log.Error("Failed to select published content for retry", zap.Error(err))
		return
	}

	for i := range items {
		if ctx.Err() != nil {
			return
		}
		item := &items[i]
		if _, ok := seen[item.ID]; ok {
			continue
		}
		scheduledAt := timeOr(item.PublishedAt, r.opts.Now)
		if policy, err := cache.policy(ctx, item.OrganizationID); err == nil {
			if at, err := r.selector.zones.ScheduledAt(item.ScheduledDate, item.ScheduledTime, policy.Timezone); err == nil {
				scheduledAt = at
			}
		}
		r.processItem(ctx, cache, item, scheduledAt, true, summary, log)
	}
}

func (r *Runner) processItem(ctx context.Context, cache *runCache, item *models.ContentItem, scheduledAt time.Time, retryOnly bool, summary *Summary, log *zap.Logger) {
	summary.ItemsProcessed++
	log = log.With(zap.Uint("content_id", item.ID), zap.Uint("organization_id", item.OrganizationID))

	policy, err := cache.policy(ctx, item.OrganizationID)
	if err != nil {
		log.Error("Failed to load publish policy", zap.Error(err))
		summary.ItemsSkipped++
		return
	}
	if !MayProceed(item, policy) {
		log.Debug("Content awaiting approval", zap.String("approval_status", string(item.ApprovalStatus)))
		summary.ItemsSkipped++
		return
	}

	connections, err := cache.activeConnections(ctx, item.OrganizationID)
	if err != nil {
		log.Error("Failed to load connections", zap.Error(err))
		summary.ItemsSkipped++
		return
	}
	destinations := ResolveDestinations(item, connections)
	if len(destinations) == 0 {
		log.Debug("No destinations for content")
		summary.ItemsSkipped++
		return
	}

	var (
		mu        sync.Mutex
		delivered int
		failed    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i := range destinations {
		conn := &destinations[i]
		g.Go(func() error {
			res := r.deliver(gctx, item, conn, scheduledAt, retryOnly, log)
			mu.Lock()
			defer mu.Unlock()
			switch res.Outcome {
			case OutcomeDelivered:
				delivered++
			case OutcomeFailed:
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.PublishedCount += delivered
	summary.FailedCount += failed

	aggCtx, cancel := detached(ctx)
	defer cancel()
	published, err := r.aggregator.Aggregate(aggCtx, item)
	if err != nil {
		log.Error("Failed to aggregate content status", zap.Error(err))
		return
	}
	if published {
		summary.ItemsPublished++
		log.Info("Content published", zap.Int("delivered", delivered), zap.Int("failed", failed))
	}
}

// deliver isolates one destination so a panic outside the publisher call
// cannot take down the run.
func (r *Runner) deliver(ctx context.Context, item *models.ContentItem, conn *models.Connection, scheduledAt time.Time, retryOnly bool, log *zap.Logger) (res AttemptResult) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("destination panic: %v", rec)
			log.Error("Recovered from destination panic", zap.Uint("connection_id", conn.ID), zap.Error(err))
			r.opts.Reporter.CaptureError(err, map[string]string{"platform": conn.Platform})
			res = AttemptResult{Outcome: OutcomeFailed, Reason: err.Error(), Err: err}
		}
	}()
	return r.attempts.Deliver(ctx, item, conn, scheduledAt, retryOnly)
}

func (r *Runner) message(ctx context.Context, s *Summary) string {
	var msg string
	if s.ItemsProcessed == 0 {
		msg = "No content ready to publish"
	} else {
		msg = fmt.Sprintf("Processed %d items: %d deliveries succeeded, %d failed",
			s.ItemsProcessed, s.PublishedCount, s.FailedCount)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg += " (run deadline reached, remaining items deferred)"
	}
	return msg
}

func timeOr(t *time.Time, fallback func() time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback()
}
