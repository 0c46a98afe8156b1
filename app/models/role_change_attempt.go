package models

import "time"

type RoleAction string

const (
	RoleActionGrant  RoleAction = "grant"
	RoleActionRevoke RoleAction = "revoke"
)

const (
	RoleOutcomeSuccess = "success"
	RoleOutcomeFailed  = "failed"
)

// RoleChangeAttempt is an append-only record of one terminal role mutation outcome.
type RoleChangeAttempt struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	MemberID    uint       `gorm:"not null;index" json:"member_id"`
	RoleID      string     `gorm:"type:varchar(64);not null" json:"role_id"`
	Action      RoleAction `gorm:"type:varchar(16);not null" json:"action"`
	Outcome     string     `gorm:"type:varchar(16);not null;index" json:"outcome"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	ErrorDetail string     `gorm:"type:text" json:"error_detail"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
