package dispatch

import (
	"context"
	"strings"

	"github.com/ifuryst/dispatcher/internal/models"
)

// MayProceed is the approval gate. Items of organizations that require
// approval proceed only once approved.
func MayProceed(item *models.ContentItem, policy *models.OrgPublishPolicy) bool {
	if policy == nil || !policy.RequireApproval {
		return true
	}
	return item.ApprovalStatus == models.ApprovalApproved
}

// ResolveDestinations returns the active connections the item must reach:
// those whose platform is in the item's target list, or every active
// connection when the list is empty.
func ResolveDestinations(item *models.ContentItem, connections []models.Connection) []models.Connection {
	var targets []string
	for _, p := range item.TargetPlatforms {
		if p = strings.TrimSpace(p); p != "" {
			targets = append(targets, p)
		}
	}

	destinations := make([]models.Connection, 0, len(connections))
	for _, conn := range connections {
		if !conn.Active || conn.OrganizationID != item.OrganizationID {
			continue
		}
		if len(targets) > 0 && !models.StringArray(targets).Contains(conn.Platform) {
			continue
		}
		destinations = append(destinations, conn)
	}
	return destinations
}

// runCache memoizes organization lookups for one run. Items are processed
// one at a time so it needs no locking.
type runCache struct {
	store       Store
	policies    map[uint]*models.OrgPublishPolicy
	connections map[uint][]models.Connection
}

func newRunCache(store Store) *runCache {
	return &runCache{
		store:       store,
		policies:    make(map[uint]*models.OrgPublishPolicy),
		connections: make(map[uint][]models.Connection),
	}
}

// policy returns the organization's policy or an empty one when none exists.
func (c *runCache) policy(ctx context.Context, organizationID uint) (*models.OrgPublishPolicy, error) {
	if p, ok := c.policies[organizationID]; ok {
		return p, nil
	}

	p, err := c.store.GetPolicy(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &models.OrgPublishPolicy{OrganizationID: organizationID}
	}
	c.policies[organizationID] = p
	return p, nil
}

func (c *runCache) activeConnections(ctx context.Context, organizationID uint) ([]models.Connection, error) {
	if conns, ok := c.connections[organizationID]; ok {
		return conns, nil
	}

	conns, err := c.store.ListActiveConnections(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	c.connections[organizationID] = conns
	return conns, nil
}
