package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/tiersync/app/models"
)

// Ledger records which provider event ids have been fully applied.
type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed writes the entry once; created is false when it already existed.
	MarkProcessed(ctx context.Context, eventID, eventType string, at time.Time) (created bool, err error)
}

type gormLedger struct {
	db *gorm.DB
}

// NewLedger creates an idempotency ledger backed by GORM.
func NewLedger(db *gorm.DB) Ledger {
	return &gormLedger{db: db}
}

func (l *gormLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var entry models.IdempotencyEntry
	err := l.db.WithContext(ctx).Select("id").Where("event_id = ?", strings.TrimSpace(eventID)).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *gormLedger) MarkProcessed(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, errors.New("event_id is required")
	}
	tx := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&models.IdempotencyEntry{
		EventID:     eventID,
		EventType:   strings.TrimSpace(eventType),
		ProcessedAt: at,
	})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
