package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Tier is the membership level of a Member. Exactly one value holds at any time.
type Tier string

const (
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
	TierGrace Tier = "grace"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPaid, TierGrace:
		return true
	}
	return false
}

// Member is a community participant whose paid status is mirrored locally and
// reflected as a role on the external group platform.
type Member struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	ExternalID         string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_members_external_id" json:"external_id" validate:"required,max=64"`
	CustomerID         *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_members_customer_id" json:"customer_id,omitempty" validate:"omitempty,max=191"`
	Email              string     `gorm:"type:varchar(200);default:''" json:"email" validate:"omitempty,email,max=200"`
	Username           string     `gorm:"type:varchar(150);default:''" json:"username" validate:"max=150"`
	Tier               Tier       `gorm:"type:varchar(16);not null;default:'free';index:idx_members_tier_sub_ends,priority:1;index:idx_members_tier_grace_ends,priority:1" json:"tier" validate:"required,oneof=free paid grace"`
	SubscriptionEndsAt *time.Time `gorm:"type:datetime;default:null;index:idx_members_tier_sub_ends,priority:2" json:"subscription_ends_at,omitempty"`
	GraceEndsAt        *time.Time `gorm:"type:datetime;default:null;index:idx_members_tier_grace_ends,priority:2" json:"grace_ends_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Validate checks field constraints and the tier invariants:
// paid requires an expiration, grace requires a grace end, and only grace may carry one.
func (m *Member) Validate() error {
	v := validator.New()
	if err := v.Struct(m); err != nil {
		return &InvariantViolation{MemberID: m.ID, Reason: err.Error()}
	}
	switch m.Tier {
	case TierPaid:
		if m.SubscriptionEndsAt == nil {
			return &InvariantViolation{MemberID: m.ID, Reason: "paid member without subscription_ends_at"}
		}
	case TierGrace:
		if m.GraceEndsAt == nil {
			return &InvariantViolation{MemberID: m.ID, Reason: "grace member without grace_ends_at"}
		}
	}
	if m.Tier != TierGrace && m.GraceEndsAt != nil {
		return &InvariantViolation{MemberID: m.ID, Reason: fmt.Sprintf("%s member with grace_ends_at set", m.Tier)}
	}
	return nil
}

// HasCustomer reports whether the member is linked to a billing customer.
func (m *Member) HasCustomer() bool {
	return m.CustomerID != nil && *m.CustomerID != ""
}

// InvariantViolation reports a persisted or about-to-be-persisted state that
// breaks a data model rule. It is surfaced, never silently corrected.
type InvariantViolation struct {
	MemberID uint
	Reason   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for member %d: %s", e.MemberID, e.Reason)
}
