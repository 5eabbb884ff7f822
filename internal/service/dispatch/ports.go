package dispatch

import (
	"context"
	"time"

	"github.com/ifuryst/dispatcher/internal/models"
	"github.com/ifuryst/dispatcher/internal/service/publisher"
)

// Store is the persistence the dispatcher needs. Implementations must back
// CreateAttempt and UpdateAttempt with conditional writes.
type Store interface {
	// ListScheduled returns items in status scheduled whose scheduled date is
	// on or before onOrBefore (YYYY-MM-DD), ordered by id, starting after afterID.
	ListScheduled(ctx context.Context, onOrBefore string, afterID uint, limit int) ([]models.ContentItem, error)
	// ListRetryable returns published items that still have failed attempts
	// with retry count below maxRetries, ordered by id, starting after afterID.
	ListRetryable(ctx context.Context, maxRetries int, afterID uint, limit int) ([]models.ContentItem, error)

	// GetPolicy returns nil without error when the organization has no policy.
	GetPolicy(ctx context.Context, organizationID uint) (*models.OrgPublishPolicy, error)
	ListActiveConnections(ctx context.Context, organizationID uint) ([]models.Connection, error)

	// GetAttempt returns nil without error when no record exists.
	GetAttempt(ctx context.Context, contentItemID, connectionID uint) (*models.DeliveryAttempt, error)
	// CreateAttempt inserts the record unless one already exists for the
	// same (content item, connection) pair. It reports whether it inserted.
	CreateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) (bool, error)
	// UpdateAttempt writes attempt only if the stored row still has
	// fromState and fromRetry. It reports whether the row was updated.
	UpdateAttempt(ctx context.Context, attempt *models.DeliveryAttempt, fromState models.DeliveryState, fromRetry int) (bool, error)
	CountDelivered(ctx context.Context, contentItemID uint) (int64, error)
	ListAttempts(ctx context.Context, contentItemID uint) ([]models.DeliveryAttempt, error)

	// MarkPublished moves a scheduled item to published. It reports whether
	// the item was still scheduled.
	MarkPublished(ctx context.Context, contentItemID uint, at time.Time) (bool, error)
}

// Publishers resolves the Platform Publisher for a platform name.
type Publishers interface {
	Get(platform string) (publisher.Publisher, error)
}

// Exhaustion describes a destination whose retry budget has just run out.
type Exhaustion struct {
	Item       *models.ContentItem
	Connection *models.Connection
	Attempt    *models.DeliveryAttempt
}

// Notifier raises the user-visible failure notification.
type Notifier interface {
	NotifyExhausted(ctx context.Context, e Exhaustion) error
}

// Locker guards against overlapping runs. ok is false when another holder
// owns the lock.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}
