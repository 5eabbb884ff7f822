package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Connection is a credentialed link from an organization to one destination
// account on one platform. Credentials are opaque to the dispatcher and are
// handed to the platform publisher as-is.
type Connection struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	OrganizationID    uint              `gorm:"not null;index:idx_connection_org_active,priority:1" json:"organization_id"`
	Platform          string            `gorm:"size:100;not null" json:"platform"`
	AccountName       string            `gorm:"size:255" json:"account_name"`
	ExternalAccountID string            `gorm:"size:255" json:"external_account_id"`
	AccessToken       string            `gorm:"type:text" json:"-"`
	Settings          datatypes.JSONMap `json:"settings"`
	Active            bool              `gorm:"default:true;index:idx_connection_org_active,priority:2" json:"active"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt    `gorm:"index" json:"deleted_at"`
}
