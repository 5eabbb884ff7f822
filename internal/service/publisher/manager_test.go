package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/models"
)

type namedPublisher string

func (n namedPublisher) Platform() string { return string(n) }

func (n namedPublisher) Publish(context.Context, Destination, Payload) (*Result, error) {
	return &Result{Success: true}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(namedPublisher("LinkedIn")))
	require.NoError(t, reg.Register(namedPublisher("x")))
	assert.Error(t, reg.Register(namedPublisher("linkedin")))
	assert.Error(t, reg.Register(namedPublisher(" ")))

	pub, err := reg.Get("LINKEDIN")
	require.NoError(t, err)
	assert.Equal(t, "LinkedIn", pub.Platform())

	_, err = reg.Get("tiktok")
	assert.True(t, errors.Is(err, ErrNoPublisher))

	assert.Equal(t, []string{"linkedin", "x"}, reg.Platforms())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(nil, fmt.Errorf("wrap: %w", ErrPermanent)))
	assert.False(t, IsPermanent(nil, errors.New("timeout")))
	assert.True(t, IsPermanent(&Result{Permanent: true}, nil))
	assert.False(t, IsPermanent(&Result{Success: true, Permanent: true}, nil))
	assert.False(t, IsPermanent(&Result{}, nil))
}

func TestFromContentItem(t *testing.T) {
	at := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	item := &models.ContentItem{
		ID:             9,
		OrganizationID: 4,
		CreatedBy:      "user-1",
		Body:           "caption",
		MediaURLs:      models.StringArray{"https://cdn/x.png"},
	}

	payload := FromContentItem(item, at)
	assert.Equal(t, uint(9), payload.ContentID)
	assert.Equal(t, "caption", payload.Body)
	assert.Equal(t, []string{"https://cdn/x.png"}, payload.MediaURLs)
	assert.Equal(t, "4", payload.Metadata["organization_id"])
	assert.Equal(t, "user-1", payload.Metadata["created_by"])
	assert.Equal(t, at, payload.ScheduledAt)
}
