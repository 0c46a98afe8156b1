package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AuditCategoryWebhook  = "webhook"
	AuditCategoryTier     = "tier"
	AuditCategoryRoleSync = "role_sync"
	AuditCategorySweep    = "sweep"
	AuditCategoryLinkage  = "linkage"
)

const (
	AuditOutcomeSuccess   = "success"
	AuditOutcomeFailure   = "failure"
	AuditOutcomeDuplicate = "duplicate"
	AuditOutcomeIgnored   = "ignored"
)

// AuditEvent is an append-only trail entry. Applied marks the single entry
// per provider event that records its effect.
type AuditEvent struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	MemberID        *uint          `gorm:"default:null;index" json:"member_id,omitempty"`
	Category        string         `gorm:"type:varchar(32);not null;index" json:"category"`
	Action          string         `gorm:"type:varchar(100);not null" json:"action"`
	ExternalEventID *string        `gorm:"type:varchar(191);default:null;index" json:"external_event_id,omitempty"`
	Applied         bool           `gorm:"default:false" json:"applied"`
	Outcome         string         `gorm:"type:varchar(16);not null" json:"outcome"`
	Payload         datatypes.JSON `gorm:"type:json" json:"payload,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}
