package models

import "time"

// GracePeriodEntry exists exactly while its member is in the grace tier.
type GracePeriodEntry struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	MemberID        uint       `gorm:"not null;uniqueIndex:ux_grace_period_entries_member" json:"member_id"`
	StartedAt       time.Time  `gorm:"type:datetime;not null" json:"started_at"`
	EndsAt          time.Time  `gorm:"type:datetime;not null;index" json:"ends_at"`
	ReminderEnabled bool       `gorm:"default:true" json:"reminder_enabled"`
	ReminderSentAt  *time.Time `gorm:"type:datetime;default:null" json:"reminder_sent_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReminderDue reports whether a reminder should be sent for this entry at now,
// given how many days before the end reminders go out.
func (g *GracePeriodEntry) ReminderDue(now time.Time, leadDays int) bool {
	if !g.ReminderEnabled || g.ReminderSentAt != nil {
		return false
	}
	if !g.EndsAt.After(now) {
		return false
	}
	return !now.Before(g.EndsAt.AddDate(0, 0, -leadDays))
}
