package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/dispatcher/internal/models"
)

func TestMayProceed(t *testing.T) {
	required := &models.OrgPublishPolicy{RequireApproval: true}
	open := &models.OrgPublishPolicy{}

	tests := []struct {
		name     string
		approval models.ApprovalStatus
		policy   *models.OrgPublishPolicy
		want     bool
	}{
		{name: "no policy", approval: models.ApprovalNone, policy: nil, want: true},
		{name: "approval not required", approval: models.ApprovalPending, policy: open, want: true},
		{name: "approved", approval: models.ApprovalApproved, policy: required, want: true},
		{name: "pending", approval: models.ApprovalPending, policy: required, want: false},
		{name: "rejected", approval: models.ApprovalRejected, policy: required, want: false},
		{name: "never reviewed", approval: models.ApprovalNone, policy: required, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &models.ContentItem{ApprovalStatus: tt.approval}
			assert.Equal(t, tt.want, MayProceed(item, tt.policy))
		})
	}
}

func TestResolveDestinations(t *testing.T) {
	conns := []models.Connection{
		{ID: 1, OrganizationID: 1, Platform: "linkedin", Active: true},
		{ID: 2, OrganizationID: 1, Platform: "x", Active: true},
		{ID: 3, OrganizationID: 1, Platform: "instagram", Active: false},
		{ID: 4, OrganizationID: 2, Platform: "linkedin", Active: true},
	}

	ids := func(cs []models.Connection) []uint {
		out := make([]uint, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}

	item := &models.ContentItem{OrganizationID: 1}
	assert.Equal(t, []uint{1, 2}, ids(ResolveDestinations(item, conns)))

	item.TargetPlatforms = models.StringArray{"LinkedIn"}
	assert.Equal(t, []uint{1}, ids(ResolveDestinations(item, conns)))

	item.TargetPlatforms = models.StringArray{"instagram"}
	assert.Empty(t, ResolveDestinations(item, conns))

	item.TargetPlatforms = models.StringArray{" "}
	assert.Equal(t, []uint{1, 2}, ids(ResolveDestinations(item, conns)))
}

type countingStore struct {
	*memStore
	policyCalls int
	connCalls   int
}

func (s *countingStore) GetPolicy(ctx context.Context, id uint) (*models.OrgPublishPolicy, error) {
	s.policyCalls++
	return s.memStore.GetPolicy(ctx, id)
}

func (s *countingStore) ListActiveConnections(ctx context.Context, id uint) ([]models.Connection, error) {
	s.connCalls++
	return s.memStore.ListActiveConnections(ctx, id)
}

func TestRunCacheMemoizes(t *testing.T) {
	store := &countingStore{memStore: newMemStore()}
	store.policies[1] = &models.OrgPublishPolicy{OrganizationID: 1, Timezone: "UTC"}
	cache := newRunCache(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := cache.policy(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "UTC", p.Timezone)

		missing, err := cache.policy(ctx, 2)
		require.NoError(t, err)
		assert.False(t, missing.RequireApproval)

		_, err = cache.activeConnections(ctx, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, store.policyCalls)
	assert.Equal(t, 1, store.connCalls)
}
