package model

import (
	"time"

	"gorm.io/gorm"
)

// APIKey is a scoped credential issued under an Application. Only the SHA-256
// hash of the secret is stored; KeyPrefix is the short non-secret prefix kept
// for display and lookup. Revocation flips Active and is never undone.
type APIKey struct {
	ID                 uint           `json:"id" gorm:"primaryKey"`
	ApplicationID      uint           `json:"application_id" gorm:"index;not null"`
	KeyHash            string         `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	KeyPrefix          string         `json:"key_prefix" gorm:"type:varchar(16);index;not null"`
	Active             bool           `json:"active" gorm:"default:true"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute" gorm:"default:0"` // 0 means service default
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"-" gorm:"index"`

	// Relations
	Application Application `json:"application,omitempty" gorm:"foreignKey:ApplicationID"`
}
