package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ifuryst/dispatcher/internal/models"
)

// StatusAggregator rolls delivery outcomes up into the item status.
type StatusAggregator struct {
	store Store
	now   func() time.Time
}

func NewStatusAggregator(store Store, now func() time.Time) *StatusAggregator {
	if now == nil {
		now = time.Now
	}
	return &StatusAggregator{store: store, now: now}
}

// Aggregate marks item published once any destination has been delivered.
// It reports whether this call made the transition. Published items are
// never revisited.
func (a *StatusAggregator) Aggregate(ctx context.Context, item *models.ContentItem) (bool, error) {
	if item.Status == models.ContentStatusPublished {
		return false, nil
	}

	delivered, err := a.store.CountDelivered(ctx, item.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count delivered attempts: %w", err)
	}
	if delivered == 0 {
		return false, nil
	}

	now := a.now()
	changed, err := a.store.MarkPublished(ctx, item.ID, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark content published: %w", err)
	}
	if changed {
		item.Status = models.ContentStatusPublished
		item.PublishedAt = &now
	}
	return changed, nil
}
