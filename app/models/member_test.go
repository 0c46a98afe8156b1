package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(24 * time.Hour)

	tests := []struct {
		name    string
		member  Member
		wantErr bool
	}{
		{name: "free", member: Member{ExternalID: "u1", Tier: TierFree}},
		{name: "paid with end", member: Member{ExternalID: "u1", Tier: TierPaid, SubscriptionEndsAt: &later}},
		{name: "paid without end", member: Member{ExternalID: "u1", Tier: TierPaid}, wantErr: true},
		{name: "grace with end", member: Member{ExternalID: "u1", Tier: TierGrace, GraceEndsAt: &later}},
		{name: "grace without end", member: Member{ExternalID: "u1", Tier: TierGrace}, wantErr: true},
		{name: "free with grace end", member: Member{ExternalID: "u1", Tier: TierFree, GraceEndsAt: &later}, wantErr: true},
		{name: "paid with grace end", member: Member{ExternalID: "u1", Tier: TierPaid, SubscriptionEndsAt: &later, GraceEndsAt: &later}, wantErr: true},
		{name: "unknown tier", member: Member{ExternalID: "u1", Tier: Tier("gold")}, wantErr: true},
		{name: "missing external id", member: Member{Tier: TierFree}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.member.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var iv *InvariantViolation
			assert.True(t, errors.As(err, &iv))
		})
	}
}

func TestGracePeriodEntryReminderDue(t *testing.T) {
	ends := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	entry := GracePeriodEntry{EndsAt: ends, ReminderEnabled: true}

	assert.False(t, entry.ReminderDue(ends.AddDate(0, 0, -3), 2))
	assert.True(t, entry.ReminderDue(ends.AddDate(0, 0, -2), 2))
	assert.True(t, entry.ReminderDue(ends.Add(-time.Hour), 2))
	assert.False(t, entry.ReminderDue(ends, 2))

	sent := ends.AddDate(0, 0, -1)
	entry.ReminderSentAt = &sent
	assert.False(t, entry.ReminderDue(ends.Add(-time.Hour), 2))

	disabled := GracePeriodEntry{EndsAt: ends}
	assert.False(t, disabled.ReminderDue(ends.Add(-time.Hour), 2))
}

func TestIsEntitlingStatus(t *testing.T) {
	for _, status := range []string{SubscriptionStatusActive, SubscriptionStatusTrialing} {
		assert.True(t, IsEntitlingStatus(status), status)
	}
	for _, status := range []string{SubscriptionStatusPastDue, SubscriptionStatusCanceled, SubscriptionStatusUnpaid, SubscriptionStatusIncomplete, SubscriptionStatusPaused} {
		assert.False(t, IsEntitlingStatus(status), status)
	}
}
