package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/tier"
)

// Store is the subscription record store: the single source of truth for
// member tier and expiry timestamps.
type Store interface {
	FindMemberByID(ctx context.Context, id uint) (*models.Member, error)
	FindMemberByCustomerID(ctx context.Context, customerID string) (*models.Member, error)
	FindMemberByExternalID(ctx context.Context, externalID string) (*models.Member, error)
	LinkMember(ctx context.Context, in MemberLink) (*models.Member, error)
	AttachCustomer(ctx context.Context, memberID uint, customerID string) error
	// RelinkCustomer replaces the member's customer id. Subscriptions of the
	// previous customer still resolve to the member through their records.
	RelinkCustomer(ctx context.Context, memberID uint, customerID string) error
	UpsertSubscription(ctx context.Context, sub *models.SubscriptionRecord) error
	SetSubscriptionStatus(ctx context.Context, memberID uint, customerID, subscriptionID, status string) error
	LatestSubscription(ctx context.Context, memberID uint) (*models.SubscriptionRecord, error)
	// ApplyTransition runs the state machine against the member under a row
	// lock and persists the result, grace entry included, in one transaction.
	ApplyTransition(ctx context.Context, memberID uint, in tier.Input) (*models.Member, tier.Outcome, error)
	ListPaidDue(ctx context.Context, now time.Time, afterID uint, limit int) ([]models.Member, error)
	ListGraceDue(ctx context.Context, now time.Time, afterID uint, limit int) ([]models.Member, error)
	ListReminderCandidates(ctx context.Context, until time.Time, afterID uint, limit int) ([]models.GracePeriodEntry, error)
	MarkReminderSent(ctx context.Context, entryID uint, at time.Time) error
	ListByTier(ctx context.Context, t models.Tier, afterID uint, limit int) ([]models.Member, error)
	CountByTier(ctx context.Context) (map[models.Tier]int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindMemberByID(ctx context.Context, id uint) (*models.Member, error) {
	var m models.Member
	err := s.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMemberByCustomerID resolves the member currently linked to customerID,
// falling back to the owner of that customer's most recent subscription record.
func (s *gormStore) FindMemberByCustomerID(ctx context.Context, customerID string) (*models.Member, error) {
	customerID = strings.TrimSpace(customerID)
	m, err := s.findMember(ctx, "customer_id = ?", customerID)
	if !errors.Is(err, ErrMemberNotFound) || customerID == "" {
		return m, err
	}

	var sub models.SubscriptionRecord
	err = s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.FindMemberByID(ctx, sub.MemberID)
}

func (s *gormStore) FindMemberByExternalID(ctx context.Context, externalID string) (*models.Member, error) {
	return s.findMember(ctx, "external_id = ?", strings.TrimSpace(externalID))
}

func (s *gormStore) findMember(ctx context.Context, query string, arg string) (*models.Member, error) {
	if arg == "" {
		return nil, ErrMemberNotFound
	}
	var m models.Member
	err := s.db.WithContext(ctx).Where(query, arg).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *gormStore) LinkMember(ctx context.Context, in MemberLink) (*models.Member, error) {
	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		return nil, errors.New("external_id is required")
	}

	member := &models.Member{
		ExternalID: externalID,
		Email:      strings.TrimSpace(in.Email),
		Username:   strings.TrimSpace(in.Username),
		Tier:       models.TierFree,
	}
	if c := strings.TrimSpace(in.CustomerID); c != "" {
		member.CustomerID = &c
	}
	if err := member.Validate(); err != nil {
		return nil, err
	}

	updates := []string{"email", "username", "updated_at"}
	if member.CustomerID != nil {
		updates = append(updates, "customer_id")
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(member).Error; err != nil {
		return nil, err
	}

	// Ensure the stored row, not the insert attempt, is returned after upsert.
	return s.FindMemberByExternalID(ctx, externalID)
}

func (s *gormStore) AttachCustomer(ctx context.Context, memberID uint, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if memberID == 0 || customerID == "" {
		return errors.New("member_id and customer_id are required")
	}
	return s.db.WithContext(ctx).Model(&models.Member{}).
		Where("id = ? AND customer_id IS NULL", memberID).
		Update("customer_id", customerID).Error
}

func (s *gormStore) RelinkCustomer(ctx context.Context, memberID uint, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if memberID == 0 || customerID == "" {
		return errors.New("member_id and customer_id are required")
	}
	res := s.db.WithContext(ctx).Model(&models.Member{}).
		Where("id = ?", memberID).
		Update("customer_id", customerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (s *gormStore) UpsertSubscription(ctx context.Context, sub *models.SubscriptionRecord) error {
	if sub.MemberID == 0 || strings.TrimSpace(sub.SubscriptionID) == "" {
		return errors.New("member_id and subscription_id are required")
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"member_id",
			"customer_id",
			"status",
			"current_period_start",
			"current_period_end",
			"trial_start",
			"trial_end",
			"cancel_at_period_end",
			"canceled_at",
			"provider_created_at",
			"raw_payload_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	return s.db.WithContext(ctx).Where("subscription_id = ?", sub.SubscriptionID).First(sub).Error
}

func (s *gormStore) SetSubscriptionStatus(ctx context.Context, memberID uint, customerID, subscriptionID, status string) error {
	if memberID == 0 || strings.TrimSpace(subscriptionID) == "" {
		return errors.New("member_id and subscription_id are required")
	}
	rec := &models.SubscriptionRecord{
		SubscriptionID: strings.TrimSpace(subscriptionID),
		MemberID:       memberID,
		CustomerID:     strings.TrimSpace(customerID),
		Status:         status,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(rec).Error
}

func (s *gormStore) LatestSubscription(ctx context.Context, memberID uint) (*models.SubscriptionRecord, error) {
	var sub models.SubscriptionRecord
	err := s.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("COALESCE(provider_created_at, created_at) DESC, id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) ApplyTransition(ctx context.Context, memberID uint, in tier.Input) (*models.Member, tier.Outcome, error) {
	var (
		member models.Member
		out    tier.Outcome
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&member, memberID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMemberNotFound
			}
			return err
		}

		out = tier.Transition(tier.StateOf(&member), in)
		if !out.Changed {
			return nil
		}

		out.Next.ApplyTo(&member)
		if err := member.Validate(); err != nil {
			return err
		}
		if err := tx.Model(&member).Select("tier", "subscription_ends_at", "grace_ends_at", "updated_at").Updates(&member).Error; err != nil {
			return fmt.Errorf("update member tier: %w", err)
		}

		switch {
		case out.StartGrace:
			entry := &models.GracePeriodEntry{
				MemberID:        member.ID,
				StartedAt:       in.Now,
				EndsAt:          *member.GraceEndsAt,
				ReminderEnabled: true,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "member_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{"started_at": entry.StartedAt, "ends_at": entry.EndsAt, "reminder_sent_at": nil, "reminder_enabled": true}),
			}).Create(entry).Error; err != nil {
				return fmt.Errorf("upsert grace entry: %w", err)
			}
		case out.ClearGrace:
			if err := tx.Where("member_id = ?", member.ID).Delete(&models.GracePeriodEntry{}).Error; err != nil {
				return fmt.Errorf("delete grace entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, tier.Outcome{}, err
	}
	return &member, out, nil
}

func (s *gormStore) ListPaidDue(ctx context.Context, now time.Time, afterID uint, limit int) ([]models.Member, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).
		Where("tier = ? AND subscription_ends_at <= ? AND id > ?", models.TierPaid, now, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&members).Error
	return members, err
}

func (s *gormStore) ListGraceDue(ctx context.Context, now time.Time, afterID uint, limit int) ([]models.Member, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).
		Where("tier = ? AND grace_ends_at <= ? AND id > ?", models.TierGrace, now, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&members).Error
	return members, err
}

func (s *gormStore) ListReminderCandidates(ctx context.Context, until time.Time, afterID uint, limit int) ([]models.GracePeriodEntry, error) {
	var entries []models.GracePeriodEntry
	err := s.db.WithContext(ctx).
		Where("reminder_enabled = ? AND reminder_sent_at IS NULL AND ends_at <= ? AND id > ?", true, until, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (s *gormStore) MarkReminderSent(ctx context.Context, entryID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.GracePeriodEntry{}).
		Where("id = ? AND reminder_sent_at IS NULL", entryID).
		Update("reminder_sent_at", at).Error
}

func (s *gormStore) ListByTier(ctx context.Context, t models.Tier, afterID uint, limit int) ([]models.Member, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).
		Where("tier = ? AND id > ?", t, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&members).Error
	return members, err
}

func (s *gormStore) CountByTier(ctx context.Context) (map[models.Tier]int64, error) {
	var rows []struct {
		Tier  models.Tier
		Count int64
	}
	if err := s.db.WithContext(ctx).Model(&models.Member{}).
		Select("tier, COUNT(*) AS count").
		Group("tier").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := map[models.Tier]int64{models.TierFree: 0, models.TierPaid: 0, models.TierGrace: 0}
	for _, r := range rows {
		counts[r.Tier] = r.Count
	}
	return counts, nil
}
