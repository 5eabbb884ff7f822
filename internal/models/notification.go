package models

import "time"

// NotificationType tags what a notification is about.
type NotificationType string

const (
	NotificationPublishFailed NotificationType = "publish_failed"
)

// Notification is a user-visible message shown in the dashboard inbox.
type Notification struct {
	ID             string           `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID uint             `gorm:"not null;index" json:"organization_id"`
	Recipient      string           `gorm:"size:255;not null;index" json:"recipient"`
	Type           NotificationType `gorm:"size:50;not null;index" json:"type"`
	Title          string           `gorm:"size:500;not null" json:"title"`
	Body           string           `gorm:"type:text" json:"body"`
	Link           string           `gorm:"size:1000" json:"link"`
	ContentItemID  *uint            `gorm:"index" json:"content_item_id"`
	ConnectionID   *uint            `json:"connection_id"`
	Read           bool             `gorm:"default:false;index" json:"read"`
	CreatedAt      time.Time        `gorm:"autoCreateTime;index" json:"created_at"`
}
