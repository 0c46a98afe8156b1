// Package audit persists the append-only trail of state-changing attempts.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/tiersync/app/models"
)

// Entry is one trail record before persistence.
type Entry struct {
	MemberID        *uint
	Category        string
	Action          string
	ExternalEventID string
	Applied         bool
	Outcome         string
	Payload         any
}

// Recorder appends entries to the audit trail.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type GormRecorder struct {
	db *gorm.DB
}

// NewRecorder creates a Recorder backed by GORM.
func NewRecorder(db *gorm.DB) *GormRecorder {
	return &GormRecorder{db: db}
}

func (r *GormRecorder) Record(ctx context.Context, e Entry) error {
	ev, err := ToModel(e)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("audit: insert %s/%s: %w", e.Category, e.Action, err)
	}
	return nil
}

// ListBetween pages through events created in [from, to) ordered by id.
func (r *GormRecorder) ListBetween(ctx context.Context, from, to time.Time, afterID uint, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ? AND id > ?", from, to, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// CountApplied returns how many entries record event id as applied.
func (r *GormRecorder) CountApplied(ctx context.Context, eventID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AuditEvent{}).
		Where("external_event_id = ? AND applied = ?", eventID, true).
		Count(&n).Error
	return n, err
}

// ToModel converts an entry to its persisted form.
func ToModel(e Entry) (*models.AuditEvent, error) {
	ev := &models.AuditEvent{
		MemberID: e.MemberID,
		Category: e.Category,
		Action:   e.Action,
		Applied:  e.Applied,
		Outcome:  e.Outcome,
	}
	if e.ExternalEventID != "" {
		id := e.ExternalEventID
		ev.ExternalEventID = &id
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("audit: encode payload: %w", err)
		}
		ev.Payload = datatypes.JSON(raw)
	}
	return ev, nil
}

// MemberRef returns a pointer to id for use as Entry.MemberID.
func MemberRef(id uint) *uint {
	if id == 0 {
		return nil
	}
	return &id
}
