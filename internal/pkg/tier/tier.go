// Package tier holds the pure membership state machine. It performs no I/O;
// callers persist the returned state and carry out the role actions.
package tier

import (
	"time"

	"github.com/ManuelReschke/tiersync/app/models"
)

// DefaultGraceDays is used when an Input carries no grace period length.
const DefaultGraceDays = 7

type Intent string

const (
	IntentActivate            Intent = "activate"
	IntentRenew               Intent = "renew"
	IntentCancelToGrace       Intent = "cancel_to_grace"
	IntentMarkPastDue         Intent = "mark_past_due"
	IntentTrialEnding         Intent = "trial_ending"
	IntentSubscriptionExpired Intent = "subscription_expired"
	IntentGraceExpired        Intent = "grace_expired"
)

// Audit actions reported by Outcome.Action.
const (
	ActionActivated        = "activated"
	ActionRenewed          = "renewed"
	ActionRenewedFromGrace = "renewed_from_grace"
	ActionGraceStarted     = "grace_started"
	ActionGraceEnded       = "grace_ended"
	ActionNoop             = "noop"
)

// State is the tier-relevant projection of a member.
type State struct {
	Tier               models.Tier
	SubscriptionEndsAt *time.Time
	GraceEndsAt        *time.Time
}

// StateOf projects a member onto its tier state.
func StateOf(m *models.Member) State {
	return State{
		Tier:               m.Tier,
		SubscriptionEndsAt: m.SubscriptionEndsAt,
		GraceEndsAt:        m.GraceEndsAt,
	}
}

// ApplyTo copies s onto m.
func (s State) ApplyTo(m *models.Member) {
	m.Tier = s.Tier
	m.SubscriptionEndsAt = s.SubscriptionEndsAt
	m.GraceEndsAt = s.GraceEndsAt
}

type Input struct {
	Intent Intent
	Now    time.Time
	// PeriodEnd is the paid-through time carried by activate and renew.
	PeriodEnd *time.Time
	GraceDays int
}

type Outcome struct {
	Prev State
	Next State
	// Legal is false when no transition row matched and Next equals Prev.
	Legal bool
	// Changed is true when Next differs from Prev and must be persisted.
	Changed     bool
	TierChanged bool
	// StartGrace asks the caller to create the grace entry; ClearGrace to remove it.
	StartGrace  bool
	ClearGrace  bool
	RoleActions []models.RoleAction
	Action      string
}

// Transition computes the next state for intent in without side effects.
// Anything outside the transition table is a legal no-op.
func Transition(cur State, in Input) Outcome {
	out := Outcome{Prev: cur, Next: cur, Action: ActionNoop}
	graceDays := in.GraceDays
	if graceDays <= 0 {
		graceDays = DefaultGraceDays
	}

	switch in.Intent {
	case IntentActivate, IntentRenew:
		if in.PeriodEnd == nil {
			return out
		}
		end := laterOf(cur.SubscriptionEndsAt, in.PeriodEnd)
		switch cur.Tier {
		case models.TierFree:
			out.Next = State{Tier: models.TierPaid, SubscriptionEndsAt: end}
			out.RoleActions = []models.RoleAction{models.RoleActionGrant}
			out.Action = ActionActivated
		case models.TierPaid:
			out.Next = State{Tier: models.TierPaid, SubscriptionEndsAt: end}
			out.RoleActions = []models.RoleAction{models.RoleActionGrant}
			out.Action = ActionRenewed
		case models.TierGrace:
			out.Next = State{Tier: models.TierPaid, SubscriptionEndsAt: end}
			out.ClearGrace = true
			out.Action = ActionRenewedFromGrace
		default:
			return out
		}

	case IntentCancelToGrace:
		if cur.Tier != models.TierPaid {
			return out
		}
		out.Next = startGrace(cur, in.Now, graceDays)
		out.StartGrace = true
		out.Action = ActionGraceStarted

	case IntentSubscriptionExpired:
		if cur.Tier != models.TierPaid || cur.SubscriptionEndsAt == nil || cur.SubscriptionEndsAt.After(in.Now) {
			return out
		}
		out.Next = startGrace(cur, in.Now, graceDays)
		out.StartGrace = true
		out.Action = ActionGraceStarted

	case IntentGraceExpired:
		if cur.Tier != models.TierGrace || cur.GraceEndsAt == nil || cur.GraceEndsAt.After(in.Now) {
			return out
		}
		out.Next = State{Tier: models.TierFree, SubscriptionEndsAt: cur.SubscriptionEndsAt}
		out.ClearGrace = true
		out.RoleActions = []models.RoleAction{models.RoleActionRevoke}
		out.Action = ActionGraceEnded

	default:
		// markPastDue and trialEnding never touch the tier.
		return out
	}

	out.Legal = true
	out.TierChanged = out.Next.Tier != cur.Tier
	out.Changed = !equalState(cur, out.Next)
	return out
}

// GraceEndsAt returns the end of a grace period that starts at start.
func GraceEndsAt(start time.Time, graceDays int) time.Time {
	if graceDays <= 0 {
		graceDays = DefaultGraceDays
	}
	return start.AddDate(0, 0, graceDays)
}

func startGrace(cur State, now time.Time, graceDays int) State {
	ends := GraceEndsAt(now, graceDays)
	return State{Tier: models.TierGrace, SubscriptionEndsAt: cur.SubscriptionEndsAt, GraceEndsAt: &ends}
}

// laterOf keeps a paid-through time from moving backwards when renewals arrive out of order.
func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func equalState(a, b State) bool {
	return a.Tier == b.Tier && equalTime(a.SubscriptionEndsAt, b.SubscriptionEndsAt) && equalTime(a.GraceEndsAt, b.GraceEndsAt)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
