package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/dispatcher/internal/models"
	"github.com/ifuryst/dispatcher/internal/service/dispatch"
)

var (
	ErrAttemptNotFound      = errors.New("delivery attempt not found")
	ErrAttemptNotResettable = errors.New("only failed delivery attempts can be reset")
)

// DeliveryStore is the gorm-backed store for content, connections and the
// delivery ledger.
type DeliveryStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ dispatch.Store = (*DeliveryStore)(nil)

func NewDeliveryStore(db *gorm.DB, logger *zap.Logger) *DeliveryStore {
	return &DeliveryStore{
		db:     db,
		logger: logger,
	}
}

func (s *DeliveryStore) ListScheduled(ctx context.Context, onOrBefore string, afterID uint, limit int) ([]models.ContentItem, error) {
	var items []models.ContentItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_date <> '' AND scheduled_date <= ? AND id > ?",
			models.ContentStatusScheduled, onOrBefore, afterID).
		Order("id").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled content: %w", err)
	}
	return items, nil
}

func (s *DeliveryStore) ListRetryable(ctx context.Context, maxRetries int, afterID uint, limit int) ([]models.ContentItem, error) {
	var items []models.ContentItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND id > ?", models.ContentStatusPublished, afterID).
		Where("EXISTS (SELECT 1 FROM delivery_attempts da WHERE da.content_item_id = content_items.id AND da.state = ? AND da.retry_count < ?)",
			models.DeliveryFailed, maxRetries).
		Order("id").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable content: %w", err)
	}
	return items, nil
}

func (s *DeliveryStore) GetPolicy(ctx context.Context, organizationID uint) (*models.OrgPublishPolicy, error) {
	var policy models.OrgPublishPolicy
	err := s.db.WithContext(ctx).Where("organization_id = ?", organizationID).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publish policy: %w", err)
	}
	return &policy, nil
}

func (s *DeliveryStore) ListActiveConnections(ctx context.Context, organizationID uint) ([]models.Connection, error) {
	var conns []models.Connection
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND active = ?", organizationID, true).
		Order("id").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

func (s *DeliveryStore) GetAttempt(ctx context.Context, contentItemID, connectionID uint) (*models.DeliveryAttempt, error) {
	var attempt models.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("content_item_id = ? AND connection_id = ?", contentItemID, connectionID).
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery attempt: %w", err)
	}
	return &attempt, nil
}

// CreateAttempt relies on the unique (content_item_id, connection_id) index:
// a conflicting insert affects no rows.
func (s *DeliveryStore) CreateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_item_id"}, {Name: "connection_id"}},
			DoNothing: true,
		}).
		Create(attempt)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create delivery attempt: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *DeliveryStore) UpdateAttempt(ctx context.Context, attempt *models.DeliveryAttempt, fromState models.DeliveryState, fromRetry int) (bool, error) {
	updatedAt := attempt.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	result := s.db.WithContext(ctx).
		Model(&models.DeliveryAttempt{}).
		Where("id = ? AND state = ? AND retry_count = ?", attempt.ID, fromState, fromRetry).
		Updates(map[string]interface{}{
			"state":            attempt.State,
			"retry_count":      attempt.RetryCount,
			"last_error":       attempt.LastError,
			"external_post_id": attempt.ExternalPostID,
			"external_url":     attempt.ExternalURL,
			"result_metadata":  attempt.ResultMetadata,
			"delivered_at":     attempt.DeliveredAt,
			"updated_at":       updatedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update delivery attempt: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *DeliveryStore) CountDelivered(ctx context.Context, contentItemID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.DeliveryAttempt{}).
		Where("content_item_id = ? AND state = ?", contentItemID, models.DeliveryDelivered).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count delivered attempts: %w", err)
	}
	return count, nil
}

func (s *DeliveryStore) MarkPublished(ctx context.Context, contentItemID uint, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.ContentItem{}).
		Where("id = ? AND status = ?", contentItemID, models.ContentStatusScheduled).
		Updates(map[string]interface{}{
			"status":       models.ContentStatusPublished,
			"published_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark content published: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListAttempts returns every delivery record for a content item.
func (s *DeliveryStore) ListAttempts(ctx context.Context, contentItemID uint) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("content_item_id = ?", contentItemID).
		Order("id").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	return attempts, nil
}

// ResetAttempt gives a failed destination a fresh retry budget. Only failed
// records can be reset.
func (s *DeliveryStore) ResetAttempt(ctx context.Context, id uint) (*models.DeliveryAttempt, error) {
	var attempt models.DeliveryAttempt
	err := s.db.WithContext(ctx).First(&attempt, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery attempt: %w", err)
	}
	if attempt.State != models.DeliveryFailed {
		return nil, ErrAttemptNotResettable
	}

	fromRetry := attempt.RetryCount
	attempt.RetryCount = 0
	attempt.UpdatedAt = time.Now()

	ok, err := s.UpdateAttempt(ctx, &attempt, models.DeliveryFailed, fromRetry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAttemptNotResettable
	}

	s.logger.Info("Delivery attempt reset",
		zap.Uint("attempt_id", attempt.ID),
		zap.Uint("content_id", attempt.ContentItemID),
		zap.Int("previous_retry_count", fromRetry))
	return &attempt, nil
}

// CountAttemptsByState returns the number of delivery records per state.
func (s *DeliveryStore) CountAttemptsByState(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		Total int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.DeliveryAttempt{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count delivery attempts: %w", err)
	}

	counts := map[string]int64{
		string(models.DeliveryPending):    0,
		string(models.DeliveryDelivering): 0,
		string(models.DeliveryDelivered):  0,
		string(models.DeliveryFailed):     0,
	}
	for _, row := range rows {
		counts[row.State] = row.Total
	}
	return counts, nil
}
