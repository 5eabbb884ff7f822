package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/metrics"
	"github.com/ifuryst/dispatcher/internal/models"
	"github.com/ifuryst/dispatcher/internal/service/publisher"
	"github.com/ifuryst/dispatcher/pkg/errtrack"
)

const interruptedError = "delivery interrupted before the platform responded"

// recordTimeout bounds the writes that follow a platform call.
const recordTimeout = 10 * time.Second

// detached returns a context for recording an outcome. It ignores the run
// deadline: once a platform has answered, its answer must be stored.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// Outcome is what one destination contributed to a run.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDelivered
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return metrics.OutcomeDelivered
	case OutcomeFailed:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeSkipped
	}
}

// AttemptResult reports the handling of one (item, connection) pair.
type AttemptResult struct {
	Outcome   Outcome
	Reason    string
	Exhausted bool
	Err       error
}

// AttemptManager owns the per-destination delivery state machine. Each call
// to Deliver makes at most one publisher call.
type AttemptManager struct {
	store          Store
	publishers     Publishers
	notifier       Notifier
	reporter       *errtrack.Reporter
	maxRetries     int
	publishTimeout time.Duration
	staleAfter     time.Duration
	honorPermanent bool
	now            func() time.Time
	logger         *zap.Logger
}

// Deliver runs one step of the state machine for conn. With retryOnly set,
// destinations that have never been attempted are left alone.
func (m *AttemptManager) Deliver(ctx context.Context, item *models.ContentItem, conn *models.Connection, scheduledAt time.Time, retryOnly bool) AttemptResult {
	log := m.logger.With(
		zap.Uint("content_id", item.ID),
		zap.Uint("connection_id", conn.ID),
		zap.String("platform", conn.Platform))

	existing, err := m.store.GetAttempt(ctx, item.ID, conn.ID)
	if err != nil {
		log.Error("Failed to load delivery attempt", zap.Error(err))
		return AttemptResult{Outcome: OutcomeFailed, Reason: "store error", Err: err}
	}

	var attempt *models.DeliveryAttempt
	switch {
	case existing == nil:
		if retryOnly {
			return AttemptResult{Outcome: OutcomeSkipped, Reason: "not previously attempted"}
		}
		attempt, err = m.claimNew(ctx, item, conn)
		if err != nil {
			log.Error("Failed to create delivery attempt", zap.Error(err))
			return AttemptResult{Outcome: OutcomeFailed, Reason: "store error", Err: err}
		}
		if attempt == nil {
			log.Info("Delivery attempt created by another run, skipping")
			return AttemptResult{Outcome: OutcomeSkipped, Reason: "claimed by another run"}
		}

	case existing.State == models.DeliveryDelivered:
		return AttemptResult{Outcome: OutcomeSkipped, Reason: "already delivered"}

	case existing.RetryCount >= m.maxRetries:
		return AttemptResult{Outcome: OutcomeSkipped, Reason: "retry budget exhausted"}

	case existing.State == models.DeliveryDelivering:
		if m.now().Sub(existing.UpdatedAt) < m.staleAfter {
			return AttemptResult{Outcome: OutcomeSkipped, Reason: "delivery in progress"}
		}
		return m.reclaimStale(ctx, item, conn, existing, log)

	default:
		attempt, err = m.claimExisting(ctx, existing)
		if err != nil {
			log.Error("Failed to mark delivery attempt as delivering", zap.Error(err))
			return AttemptResult{Outcome: OutcomeFailed, Reason: "store error", Err: err}
		}
		if attempt == nil {
			log.Info("Delivery attempt changed by another run, skipping")
			return AttemptResult{Outcome: OutcomeSkipped, Reason: "claimed by another run"}
		}
	}

	result, pubErr := m.publish(ctx, item, conn, scheduledAt)
	if pubErr == nil && result != nil && result.Success {
		return m.recordSuccess(ctx, attempt, result, log)
	}
	return m.recordFailure(ctx, item, conn, attempt, result, pubErr, log)
}

func (m *AttemptManager) claimNew(ctx context.Context, item *models.ContentItem, conn *models.Connection) (*models.DeliveryAttempt, error) {
	now := m.now()
	attempt := &models.DeliveryAttempt{
		ContentItemID: item.ID,
		ConnectionID:  conn.ID,
		Platform:      conn.Platform,
		State:         models.DeliveryDelivering,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := m.store.CreateAttempt(ctx, attempt)
	if err != nil || !created {
		return nil, err
	}
	return attempt, nil
}

func (m *AttemptManager) claimExisting(ctx context.Context, existing *models.DeliveryAttempt) (*models.DeliveryAttempt, error) {
	attempt := *existing
	attempt.State = models.DeliveryDelivering
	attempt.UpdatedAt = m.now()

	ok, err := m.store.UpdateAttempt(ctx, &attempt, existing.State, existing.RetryCount)
	if err != nil || !ok {
		return nil, err
	}
	return &attempt, nil
}

// reclaimStale fails a record abandoned in delivering by a crashed run. The
// platform is not called again in this run.
func (m *AttemptManager) reclaimStale(ctx context.Context, item *models.ContentItem, conn *models.Connection, existing *models.DeliveryAttempt, log *zap.Logger) AttemptResult {
	attempt := *existing
	attempt.State = models.DeliveryFailed
	attempt.RetryCount++
	attempt.LastError = interruptedError
	attempt.UpdatedAt = m.now()

	ctx, cancel := detached(ctx)
	defer cancel()

	ok, err := m.store.UpdateAttempt(ctx, &attempt, existing.State, existing.RetryCount)
	if err != nil {
		log.Error("Failed to reclaim stale delivery attempt", zap.Error(err))
		return AttemptResult{Outcome: OutcomeFailed, Reason: "store error", Err: err}
	}
	if !ok {
		return AttemptResult{Outcome: OutcomeSkipped, Reason: "claimed by another run"}
	}

	log.Warn("Reclaimed stale delivery attempt",
		zap.Time("last_update", existing.UpdatedAt),
		zap.Int("retry_count", attempt.RetryCount))
	metrics.IncDelivery(conn.Platform, metrics.OutcomeFailed)

	res := AttemptResult{Outcome: OutcomeFailed, Reason: interruptedError}
	if existing.RetryCount < m.maxRetries && attempt.RetryCount >= m.maxRetries {
		res.Exhausted = true
		m.notify(ctx, item, conn, &attempt, log)
	}
	return res
}

func (m *AttemptManager) publish(ctx context.Context, item *models.ContentItem, conn *models.Connection, scheduledAt time.Time) (result *publisher.Result, err error) {
	pub, err := m.publishers.Get(conn.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", publisher.ErrPermanent, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.publishTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Publisher panicked",
				zap.String("platform", conn.Platform),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result, err = nil, fmt.Errorf("publisher panic: %v", r)
			m.reporter.CaptureError(err, map[string]string{"platform": conn.Platform})
		}
		metrics.ObservePublish(conn.Platform, start, err == nil && result != nil && result.Success)
	}()

	return pub.Publish(callCtx, publisher.FromConnection(conn), publisher.FromContentItem(item, scheduledAt))
}

func (m *AttemptManager) recordSuccess(ctx context.Context, attempt *models.DeliveryAttempt, result *publisher.Result, log *zap.Logger) AttemptResult {
	ctx, cancel := detached(ctx)
	defer cancel()

	fromState, fromRetry := attempt.State, attempt.RetryCount

	now := m.now()
	attempt.State = models.DeliveryDelivered
	attempt.LastError = ""
	attempt.DeliveredAt = &now
	attempt.UpdatedAt = now
	if result.PlatformPostID != "" {
		attempt.ExternalPostID = &result.PlatformPostID
	}
	if result.PostURL != "" {
		attempt.ExternalURL = &result.PostURL
	}
	if len(result.Metadata) > 0 {
		attempt.ResultMetadata = result.Metadata
	}

	ok, err := m.store.UpdateAttempt(ctx, attempt, fromState, fromRetry)
	if err == nil && !ok {
		// reclaimed as stale while the call was in flight; the post exists so
		// record it against whatever state the row is in now
		ok, err = m.overwrite(ctx, attempt)
	}
	if err != nil || !ok {
		if err == nil {
			err = errors.New("delivery attempt changed concurrently")
		}
		log.Error("Published but failed to record delivery",
			zap.Stringp("post_id", attempt.ExternalPostID),
			zap.Error(err))
		m.reporter.CaptureError(err, map[string]string{"platform": attempt.Platform, "stage": "record_success"})
	}

	log.Info("Content delivered", zap.Stringp("post_url", attempt.ExternalURL))
	metrics.IncDelivery(attempt.Platform, metrics.OutcomeDelivered)
	return AttemptResult{Outcome: OutcomeDelivered}
}

func (m *AttemptManager) overwrite(ctx context.Context, attempt *models.DeliveryAttempt) (bool, error) {
	current, err := m.store.GetAttempt(ctx, attempt.ContentItemID, attempt.ConnectionID)
	if err != nil || current == nil {
		return false, err
	}
	if current.State == models.DeliveryDelivered {
		return true, nil
	}
	attempt.RetryCount = current.RetryCount
	return m.store.UpdateAttempt(ctx, attempt, current.State, current.RetryCount)
}

func (m *AttemptManager) recordFailure(ctx context.Context, item *models.ContentItem, conn *models.Connection, attempt *models.DeliveryAttempt, result *publisher.Result, pubErr error, log *zap.Logger) AttemptResult {
	ctx, cancel := detached(ctx)
	defer cancel()

	fromState, fromRetry := attempt.State, attempt.RetryCount

	message := failureMessage(result, pubErr)
	permanent := m.honorPermanent && publisher.IsPermanent(result, pubErr)

	attempt.State = models.DeliveryFailed
	attempt.LastError = message
	attempt.UpdatedAt = m.now()
	attempt.RetryCount++
	if permanent && attempt.RetryCount < m.maxRetries {
		attempt.RetryCount = m.maxRetries
	}

	ok, err := m.store.UpdateAttempt(ctx, attempt, fromState, fromRetry)
	if err != nil {
		log.Error("Failed to record delivery failure", zap.String("error_message", message), zap.Error(err))
		return AttemptResult{Outcome: OutcomeFailed, Reason: message, Err: err}
	}
	if !ok {
		log.Warn("Delivery attempt changed concurrently, failure not recorded", zap.String("error_message", message))
		return AttemptResult{Outcome: OutcomeFailed, Reason: message}
	}

	log.Warn("Delivery failed",
		zap.String("error_message", message),
		zap.Int("retry_count", attempt.RetryCount),
		zap.Bool("permanent", permanent))
	metrics.IncDelivery(conn.Platform, metrics.OutcomeFailed)

	res := AttemptResult{Outcome: OutcomeFailed, Reason: message}
	if fromRetry < m.maxRetries && attempt.RetryCount >= m.maxRetries {
		res.Exhausted = true
		m.notify(ctx, item, conn, attempt, log)
	}
	return res
}

func (m *AttemptManager) notify(ctx context.Context, item *models.ContentItem, conn *models.Connection, attempt *models.DeliveryAttempt, log *zap.Logger) {
	metrics.IncDelivery(conn.Platform, metrics.OutcomeExhausted)
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyExhausted(ctx, Exhaustion{Item: item, Connection: conn, Attempt: attempt}); err != nil {
		log.Error("Failed to send failure notification", zap.Error(err))
	}
}

func failureMessage(result *publisher.Result, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case result == nil:
		return "publisher returned no result"
	case result.Error != "":
		return result.Error
	default:
		return "publisher reported failure"
	}
}
