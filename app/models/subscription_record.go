package models

import "time"

const (
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusActive            = "active"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusPaused            = "paused"
)

// IsEntitlingStatus reports whether a subscription in this status grants paid access.
func IsEntitlingStatus(status string) bool {
	switch status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing:
		return true
	}
	return false
}

// SubscriptionRecord mirrors a billing provider subscription for a member.
// Several may exist per member; the most recently created one is authoritative.
type SubscriptionRecord struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID     string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscription_records_subscription_id" json:"subscription_id"`
	MemberID           uint       `gorm:"not null;index:idx_subscription_records_member_created,priority:1" json:"member_id"`
	CustomerID         string     `gorm:"type:varchar(191);not null;index" json:"customer_id"`
	Status             string     `gorm:"type:varchar(32);not null;index" json:"status"`
	CurrentPeriodStart *time.Time `gorm:"type:datetime;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:datetime;default:null" json:"current_period_end,omitempty"`
	TrialStart         *time.Time `gorm:"type:datetime;default:null" json:"trial_start,omitempty"`
	TrialEnd           *time.Time `gorm:"type:datetime;default:null" json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt         *time.Time `gorm:"type:datetime;default:null" json:"canceled_at,omitempty"`
	ProviderCreatedAt  *time.Time `gorm:"type:datetime;default:null" json:"provider_created_at,omitempty"`
	RawPayloadJSON     string     `gorm:"type:longtext" json:"raw_payload_json"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index:idx_subscription_records_member_created,priority:2" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
