package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/ifuryst/dispatcher/internal/models"
)

var (
	// ErrPermanent marks a failure that will not succeed on retry, such as
	// revoked credentials or content rejected by platform policy.
	ErrPermanent = errors.New("permanent publish failure")
	// ErrNoPublisher is returned when no publisher is registered for a platform.
	ErrNoPublisher = errors.New("no publisher registered for platform")
)

// Payload is the content handed to a platform.
type Payload struct {
	ContentID   uint              `json:"content_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	MediaURLs   []string          `json:"media_urls"`
	Tags        []string          `json:"tags"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Destination carries the connection credentials for one account.
type Destination struct {
	ConnectionID      uint           `json:"connection_id"`
	Platform          string         `json:"platform"`
	AccountName       string         `json:"account_name"`
	ExternalAccountID string         `json:"external_account_id"`
	AccessToken       string         `json:"access_token"`
	Settings          map[string]any `json:"settings,omitempty"`
}

// Result is what a platform reports back. A failed result with Permanent set
// should not be retried.
type Result struct {
	Success        bool           `json:"success"`
	PlatformPostID string         `json:"platform_post_id,omitempty"`
	PostURL        string         `json:"post_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
	Permanent      bool           `json:"permanent,omitempty"`
}

// Publisher performs the network call to one third-party platform.
type Publisher interface {
	Platform() string
	Publish(ctx context.Context, dest Destination, payload Payload) (*Result, error)
}

// FromContentItem converts a stored content item into a publish payload.
func FromContentItem(item *models.ContentItem, scheduledAt time.Time) Payload {
	metadata := map[string]string{
		"organization_id": formatUint(item.OrganizationID),
	}
	if item.CreatedBy != "" {
		metadata["created_by"] = item.CreatedBy
	}

	return Payload{
		ContentID:   item.ID,
		Title:       item.Title,
		Body:        item.Body,
		MediaURLs:   []string(item.MediaURLs),
		Tags:        []string(item.Tags),
		ScheduledAt: scheduledAt,
		Metadata:    metadata,
	}
}

// FromConnection converts a stored connection into a destination.
func FromConnection(conn *models.Connection) Destination {
	return Destination{
		ConnectionID:      conn.ID,
		Platform:          conn.Platform,
		AccountName:       conn.AccountName,
		ExternalAccountID: conn.ExternalAccountID,
		AccessToken:       conn.AccessToken,
		Settings:          map[string]any(conn.Settings),
	}
}

// IsPermanent reports whether a publish outcome was tagged permanent.
func IsPermanent(result *Result, err error) bool {
	if err != nil {
		return errors.Is(err, ErrPermanent)
	}
	return result != nil && !result.Success && result.Permanent
}
