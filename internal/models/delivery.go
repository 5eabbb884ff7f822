package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeliveryState is the state of one (content item, connection) delivery.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliveryDelivering DeliveryState = "delivering"
	DeliveryDelivered  DeliveryState = "delivered"
	DeliveryFailed     DeliveryState = "failed"
)

// DeliveryAttempt is the durable ledger row for delivering one content item to
// one connection. The unique index on (content_item_id, connection_id) keeps
// repeated or overlapping runs from publishing twice.
type DeliveryAttempt struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	ContentItemID  uint              `gorm:"not null;uniqueIndex:ux_delivery_item_connection,priority:1" json:"content_item_id"`
	ConnectionID   uint              `gorm:"not null;uniqueIndex:ux_delivery_item_connection,priority:2" json:"connection_id"`
	Platform       string            `gorm:"size:100;not null;index" json:"platform"`
	State          DeliveryState     `gorm:"size:50;not null;default:'pending';index" json:"state"`
	RetryCount     int               `gorm:"not null;default:0" json:"retry_count"`
	LastError      string            `gorm:"type:text" json:"last_error"`
	ExternalPostID *string           `gorm:"size:255" json:"external_post_id"`
	ExternalURL    *string           `gorm:"size:1000" json:"external_url"`
	ResultMetadata datatypes.JSONMap `json:"result_metadata"`
	DeliveredAt    *time.Time        `json:"delivered_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
