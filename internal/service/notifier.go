package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/dispatcher/internal/metrics"
	"github.com/ifuryst/dispatcher/internal/models"
	"github.com/ifuryst/dispatcher/internal/service/dispatch"
	"github.com/ifuryst/dispatcher/pkg/errtrack"
)

// Broadcaster forwards stored notifications to other systems.
type Broadcaster interface {
	Broadcast(ctx context.Context, n *models.Notification) error
}

// NotificationService persists failure notifications for the dashboard inbox
// and fans them out to the optional sinks.
type NotificationService struct {
	db           *gorm.DB
	logger       *zap.Logger
	broadcaster  Broadcaster
	reporter     *errtrack.Reporter
	dashboardURL string
}

var _ dispatch.Notifier = (*NotificationService)(nil)

// NotificationOption configures a NotificationService.
type NotificationOption func(*NotificationService)

// WithBroadcaster sends every notification to b after it is stored.
func WithBroadcaster(b Broadcaster) NotificationOption {
	return func(n *NotificationService) {
		n.broadcaster = b
	}
}

// WithReporter reports exhausted deliveries to error tracking.
func WithReporter(r *errtrack.Reporter) NotificationOption {
	return func(n *NotificationService) {
		n.reporter = r
	}
}

// WithDashboardURL sets the base of deep links.
func WithDashboardURL(url string) NotificationOption {
	return func(n *NotificationService) {
		n.dashboardURL = strings.TrimRight(url, "/")
	}
}

func NewNotificationService(db *gorm.DB, logger *zap.Logger, options ...NotificationOption) *NotificationService {
	n := &NotificationService{
		db:     db,
		logger: logger,
	}
	for _, option := range options {
		option(n)
	}
	return n
}

// NotifyExhausted stores one publish_failed notification. Sink failures
// after the insert are logged, not returned.
func (n *NotificationService) NotifyExhausted(ctx context.Context, e dispatch.Exhaustion) error {
	notification := n.build(e)

	if err := n.db.WithContext(ctx).Create(notification).Error; err != nil {
		metrics.IncNotification("database", err)
		return fmt.Errorf("failed to store notification: %w", err)
	}
	metrics.IncNotification("database", nil)

	n.logger.Info("Failure notification created",
		zap.String("notification_id", notification.ID),
		zap.String("recipient", notification.Recipient),
		zap.Uint("content_id", e.Item.ID),
		zap.String("platform", e.Connection.Platform))

	if n.broadcaster != nil {
		err := n.broadcaster.Broadcast(ctx, notification)
		metrics.IncNotification("amqp", err)
		if err != nil {
			n.logger.Error("Failed to broadcast notification",
				zap.String("notification_id", notification.ID),
				zap.Error(err))
		}
	}

	n.reporter.CaptureMessage(notification.Title, map[string]string{
		"content_id":    strconv.FormatUint(uint64(e.Item.ID), 10),
		"connection_id": strconv.FormatUint(uint64(e.Connection.ID), 10),
		"platform":      e.Connection.Platform,
	})
	return nil
}

func (n *NotificationService) build(e dispatch.Exhaustion) *models.Notification {
	itemID, connID := e.Item.ID, e.Connection.ID

	recipient := e.Item.CreatedBy
	if recipient == "" {
		recipient = "org:" + strconv.FormatUint(uint64(e.Item.OrganizationID), 10)
	}

	name := strings.TrimSpace(e.Item.Title)
	if name == "" {
		name = fmt.Sprintf("Content #%d", itemID)
	}

	account := e.Connection.Platform
	if e.Connection.AccountName != "" {
		account = fmt.Sprintf("%s (%s)", e.Connection.Platform, e.Connection.AccountName)
	}

	body := fmt.Sprintf("%q could not be published to %s after %d attempts.", name, account, e.Attempt.RetryCount)
	if e.Attempt.LastError != "" {
		body += " Last error: " + e.Attempt.LastError
	}

	return &models.Notification{
		ID:             uuid.NewString(),
		OrganizationID: e.Item.OrganizationID,
		Recipient:      recipient,
		Type:           models.NotificationPublishFailed,
		Title:          fmt.Sprintf("Publishing to %s failed", e.Connection.Platform),
		Body:           body,
		Link:           fmt.Sprintf("%s/content/%d", n.dashboardURL, itemID),
		ContentItemID:  &itemID,
		ConnectionID:   &connID,
	}
}

// List returns the newest notifications for recipient, or for everyone when
// recipient is empty.
func (n *NotificationService) List(ctx context.Context, recipient string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := n.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if recipient != "" {
		query = query.Where("recipient = ?", recipient)
	}

	var notifications []models.Notification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}
