package model

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency record status values
const (
	IdempotencyStatusInProgress = "in_progress"
	IdempotencyStatusCompleted  = "completed"
)

// RateLimitCounter is a fixed-window shared counter. The composite unique
// index on (bucket_key, window_start) lets concurrent requests increment the
// same window with an atomic upsert.
type RateLimitCounter struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	BucketKey   string    `json:"bucket_key" gorm:"type:varchar(255);uniqueIndex:idx_bucket_window;not null"`
	WindowStart time.Time `json:"window_start" gorm:"uniqueIndex:idx_bucket_window;not null"`
	Count       int       `json:"count" gorm:"default:0"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IdempotencyRecord deduplicates provision calls per registration. The unique
// index on RegistrationID is the linearization point: the first caller inserts
// in_progress and does the work, racers observe the existing row.
type IdempotencyRecord struct {
	ID             uint           `json:"id" gorm:"primaryKey"`
	RegistrationID string         `json:"registration_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	Status         string         `json:"status" gorm:"type:varchar(20);not null"`
	ResponseBody   datatypes.JSON `json:"-" gorm:"type:jsonb"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
