package models

import "time"

// OrgPublishPolicy holds the per-organization settings the dispatcher reads.
// It is owned by the dashboard's settings pages.
type OrgPublishPolicy struct {
	OrganizationID  uint      `gorm:"primaryKey;autoIncrement:false" json:"organization_id"`
	Timezone        string    `gorm:"size:100" json:"timezone"`
	RequireApproval bool      `gorm:"default:false" json:"require_approval"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
