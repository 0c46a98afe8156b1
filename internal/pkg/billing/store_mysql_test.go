package billing_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/billing"
	"github.com/ManuelReschke/tiersync/internal/pkg/tier"
)

// openTestDB connects to the database named by TEST_DB_DSN, e.g.
// "tiersync:tiersync@tcp(localhost:3306)/tiersync_test?parseTime=true".
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL-dependent test: TEST_DB_DSN not set")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Skipf("Skipping MySQL-dependent test: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		t.Skipf("Skipping MySQL-dependent test: ping failed (%v)", err)
	}

	require.NoError(t, db.Migrator().DropTable(models.All()...))
	require.NoError(t, db.AutoMigrate(models.All()...))
	t.Cleanup(func() {
		_ = db.Migrator().DropTable(models.All()...)
		_ = sqlDB.Close()
	})
	return db
}

func TestLedgerMarkProcessedOnce(t *testing.T) {
	db := openTestDB(t)
	ledger := billing.NewLedger(db)
	ctx := context.Background()

	done, err := ledger.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, done)

	created, err := ledger.MarkProcessed(ctx, "evt_1", "invoice.payment_failed", testNow)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ledger.MarkProcessed(ctx, "evt_1", "invoice.payment_failed", testNow)
	require.NoError(t, err)
	assert.False(t, created)

	done, err = ledger.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStoreApplyTransitionLifecycle(t *testing.T) {
	db := openTestDB(t)
	store := billing.NewStore(db)
	ctx := context.Background()

	m, err := store.LinkMember(ctx, billing.MemberLink{ExternalID: "discord-1", Email: "a@example.com", Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, store.AttachCustomer(ctx, m.ID, "cus_1"))

	found, err := store.FindMemberByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, found.ID)

	ends := testNow.AddDate(0, 0, 30)
	updated, out, err := store.ApplyTransition(ctx, m.ID, tier.Input{Intent: tier.IntentActivate, Now: testNow, PeriodEnd: &ends})
	require.NoError(t, err)
	assert.True(t, out.TierChanged)
	assert.Equal(t, models.TierPaid, updated.Tier)

	_, out, err = store.ApplyTransition(ctx, m.ID, tier.Input{Intent: tier.IntentCancelToGrace, Now: testNow, GraceDays: 7})
	require.NoError(t, err)
	assert.True(t, out.StartGrace)

	var grace models.GracePeriodEntry
	require.NoError(t, db.Where("member_id = ?", m.ID).First(&grace).Error)
	assert.WithinDuration(t, testNow.AddDate(0, 0, 7), grace.EndsAt, time.Second)

	due, err := store.ListGraceDue(ctx, testNow.AddDate(0, 0, 8), 0, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, out, err = store.ApplyTransition(ctx, m.ID, tier.Input{Intent: tier.IntentGraceExpired, Now: testNow.AddDate(0, 0, 8)})
	require.NoError(t, err)
	assert.Equal(t, []models.RoleAction{models.RoleActionRevoke}, out.RoleActions)

	var count int64
	require.NoError(t, db.Model(&models.GracePeriodEntry{}).Where("member_id = ?", m.ID).Count(&count).Error)
	assert.Zero(t, count)

	counts, err := store.CountByTier(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.TierFree])
}

func TestStoreLatestSubscriptionUsesProviderCreation(t *testing.T) {
	db := openTestDB(t)
	store := billing.NewStore(db)
	ctx := context.Background()

	m, err := store.LinkMember(ctx, billing.MemberLink{ExternalID: "discord-2", CustomerID: "cus_2"})
	require.NoError(t, err)

	newer := testNow
	older := testNow.AddDate(0, -3, 0)
	require.NoError(t, store.UpsertSubscription(ctx, &models.SubscriptionRecord{SubscriptionID: "sub_new", MemberID: m.ID, CustomerID: "cus_2", Status: "active", ProviderCreatedAt: &newer}))
	require.NoError(t, store.UpsertSubscription(ctx, &models.SubscriptionRecord{SubscriptionID: "sub_old", MemberID: m.ID, CustomerID: "cus_2", Status: "canceled", ProviderCreatedAt: &older}))

	latest, err := store.LatestSubscription(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "sub_new", latest.SubscriptionID)

	require.NoError(t, store.SetSubscriptionStatus(ctx, m.ID, "cus_2", "sub_new", models.SubscriptionStatusPastDue))
	latest, err = store.LatestSubscription(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, latest.Status)
}

func TestStoreRelinkKeepsPreviousCustomerResolvable(t *testing.T) {
	db := openTestDB(t)
	store := billing.NewStore(db)
	ctx := context.Background()

	member, err := store.LinkMember(ctx, billing.MemberLink{ExternalID: "discord-9", CustomerID: "cus_A"})
	require.NoError(t, err)
	require.NoError(t, store.UpsertSubscription(ctx, &models.SubscriptionRecord{SubscriptionID: "sub_A", MemberID: member.ID, CustomerID: "cus_A", Status: "active"}))

	require.NoError(t, store.RelinkCustomer(ctx, member.ID, "cus_B"))

	byNew, err := store.FindMemberByCustomerID(ctx, "cus_B")
	require.NoError(t, err)
	assert.Equal(t, member.ID, byNew.ID)
	byOld, err := store.FindMemberByCustomerID(ctx, "cus_A")
	require.NoError(t, err)
	assert.Equal(t, member.ID, byOld.ID)

	_, err = store.FindMemberByCustomerID(ctx, "cus_unknown")
	assert.ErrorIs(t, err, billing.ErrMemberNotFound)
	assert.ErrorIs(t, store.RelinkCustomer(ctx, 9999, "cus_C"), billing.ErrMemberNotFound)
}

func TestStoreAcceptsPeriodEndsPast2038(t *testing.T) {
	db := openTestDB(t)
	store := billing.NewStore(db)
	ctx := context.Background()
	farEnd := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)

	member, err := store.LinkMember(ctx, billing.MemberLink{ExternalID: "u-lifetime", CustomerID: "cus_L"})
	require.NoError(t, err)
	require.NoError(t, store.UpsertSubscription(ctx, &models.SubscriptionRecord{
		SubscriptionID: "sub_L", MemberID: member.ID, CustomerID: "cus_L", Status: "active", CurrentPeriodEnd: &farEnd, TrialEnd: &farEnd,
	}))

	updated, _, err := store.ApplyTransition(ctx, member.ID, tier.Input{Intent: tier.IntentActivate, Now: testNow, PeriodEnd: &farEnd, GraceDays: 7})
	require.NoError(t, err)
	require.NotNil(t, updated.SubscriptionEndsAt)
	assert.True(t, updated.SubscriptionEndsAt.Equal(farEnd))

	sub, err := store.LatestSubscription(ctx, member.ID)
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodEnd.Equal(farEnd))
}
