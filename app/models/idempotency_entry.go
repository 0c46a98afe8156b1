package models

import "time"

// IdempotencyEntry marks a provider event id as fully processed.
type IdempotencyEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EventID     string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_idempotency_entries_event_id" json:"event_id"`
	EventType   string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ProcessedAt time.Time `gorm:"type:datetime;not null;index" json:"processed_at"`
}
