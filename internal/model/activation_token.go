package model

import "time"

// ActivationToken is a single-use credential letting the tenant administrator
// confirm the onboarding. Stored as a SHA-256 hash; consuming it sets
// ConsumedAt so a second use is rejected as invalid rather than expired.
type ActivationToken struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	TokenHash      string     `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	RegistrationID string     `json:"registration_id" gorm:"type:varchar(36);index;not null"`
	ExpiresAt      time.Time  `json:"expires_at" gorm:"not null"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
