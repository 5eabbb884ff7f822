package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// StringArray represents a PostgreSQL text[] type
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	switch v := value.(type) {
	case string:
		// PostgreSQL array literal: {value1,value2,value3}
		trimmed := strings.Trim(v, "{}")
		if trimmed == "" {
			*s = StringArray{}
			return nil
		}

		parts := strings.Split(trimmed, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.Trim(strings.TrimSpace(part), "\"")
			if part != "" {
				result = append(result, part)
			}
		}
		*s = result
		return nil
	case []byte:
		var arr []string
		if err := json.Unmarshal(v, &arr); err == nil {
			*s = arr
			return nil
		}
		return s.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "{}", nil
	}

	quoted := make([]string, len(s))
	for i, v := range s {
		escaped := strings.ReplaceAll(v, "\"", "\\\"")
		quoted[i] = fmt.Sprintf("\"%s\"", escaped)
	}

	return fmt.Sprintf("{%s}", strings.Join(quoted, ",")), nil
}

// GormDBDataType uses a native array on PostgreSQL and text elsewhere.
func (StringArray) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}

// Contains reports whether v is present, ignoring case.
func (s StringArray) Contains(v string) bool {
	for _, item := range s {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// ContentStatus is the lifecycle state of a content item.
type ContentStatus string

const (
	ContentStatusIdea      ContentStatus = "idea"
	ContentStatusDraft     ContentStatus = "draft"
	ContentStatusInReview  ContentStatus = "in_review"
	ContentStatusScheduled ContentStatus = "scheduled"
	ContentStatusPublished ContentStatus = "published"
	ContentStatusArchived  ContentStatus = "archived"
)

// ApprovalStatus is set by the review workflow.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ContentItem is a unit of content with a target publish moment. ScheduledDate
// (YYYY-MM-DD) and ScheduledTime (HH:MM[:SS]) are wall-clock values in the
// organization's timezone.
type ContentItem struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	OrganizationID  uint           `gorm:"not null;index" json:"organization_id"`
	CreatedBy       string         `gorm:"size:255" json:"created_by"`
	Title           string         `gorm:"size:500" json:"title"`
	Body            string         `gorm:"type:text" json:"body"`
	MediaURLs       StringArray    `json:"media_urls"`
	Tags            StringArray    `json:"tags"`
	Status          ContentStatus  `gorm:"size:50;not null;default:'idea';index:idx_content_status_date,priority:1" json:"status"`
	ApprovalStatus  ApprovalStatus `gorm:"size:50" json:"approval_status"`
	ScheduledDate   string         `gorm:"size:10;index:idx_content_status_date,priority:2" json:"scheduled_date"`
	ScheduledTime   string         `gorm:"size:8" json:"scheduled_time"`
	TargetPlatforms StringArray    `json:"target_platforms"`
	PublishedAt     *time.Time     `json:"published_at"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}
