package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/models"
)

// maxZoneLead is the furthest any zone runs ahead of UTC (UTC+14).
const maxZoneLead = 14 * time.Hour

// Candidate is a ready item with its resolved scheduled instant.
type Candidate struct {
	Item        models.ContentItem
	ScheduledAt time.Time
}

// Selector finds scheduled items whose instant has passed.
type Selector struct {
	store     Store
	zones     *ZoneResolver
	batchSize int
	maxItems  int
	logger    *zap.Logger
}

func NewSelector(store Store, zones *ZoneResolver, batchSize, maxItems int, logger *zap.Logger) *Selector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxItems <= 0 {
		maxItems = 500
	}
	return &Selector{
		store:     store,
		zones:     zones,
		batchSize: batchSize,
		maxItems:  maxItems,
		logger:    logger,
	}
}

// Admit decides whether a ready item can make progress in this run.
type Admit func(ctx context.Context, item *models.ContentItem) (bool, error)

// Selection is the outcome of one readiness scan. Held items were due but
// rejected by the admit check; they do not count toward the per-run cap.
type Selection struct {
	Ready   []Candidate
	Held    int
	Invalid int
}

// Ready pages through scheduled items dated up to the latest calendar date
// any zone can be on at now, then keeps those whose instant is not after now
// and that admit accepts.
func (s *Selector) Ready(ctx context.Context, now time.Time, cache *runCache, admit Admit) (*Selection, error) {
	cutoff := now.UTC().Add(maxZoneLead).Format("2006-01-02")
	sel := &Selection{}

	var afterID uint
	for len(sel.Ready) < s.maxItems {
		batch, err := s.store.ListScheduled(ctx, cutoff, afterID, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list scheduled content: %w", err)
		}

		for i := range batch {
			item := batch[i]
			afterID = item.ID

			policy, err := cache.policy(ctx, item.OrganizationID)
			if err != nil {
				return nil, fmt.Errorf("failed to load publish policy for organization %d: %w", item.OrganizationID, err)
			}

			at, err := s.zones.ScheduledAt(item.ScheduledDate, item.ScheduledTime, policy.Timezone)
			if err != nil {
				sel.Invalid++
				s.logger.Warn("Skipping content with invalid schedule",
					zap.Uint("content_id", item.ID),
					zap.Error(err))
				continue
			}
			if at.After(now) {
				continue
			}

			if admit != nil {
				ok, err := admit(ctx, &item)
				if err != nil {
					return nil, fmt.Errorf("failed to check content %d: %w", item.ID, err)
				}
				if !ok {
					sel.Held++
					continue
				}
			}

			sel.Ready = append(sel.Ready, Candidate{Item: item, ScheduledAt: at})
			if len(sel.Ready) >= s.maxItems {
				s.logger.Warn("Ready content capped for this run", zap.Int("max_items", s.maxItems))
				break
			}
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	return sel, nil
}

// Retryable pages through published items that still have destinations
// with retry budget left.
func (s *Selector) Retryable(ctx context.Context, maxRetries, limit int) ([]models.ContentItem, error) {
	var (
		items   []models.ContentItem
		afterID uint
	)
	for len(items) < limit {
		batch, err := s.store.ListRetryable(ctx, maxRetries, afterID, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list retryable content: %w", err)
		}
		for _, item := range batch {
			afterID = item.ID
			items = append(items, item)
			if len(items) >= limit {
				break
			}
		}
		if len(batch) < s.batchSize {
			break
		}
	}
	return items, nil
}
