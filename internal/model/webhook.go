package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Webhook delivery status values
const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// WebhookSubscription registers a delivery URL for a set of event names.
// The signing secret is generated at creation, returned to the caller once,
// and kept here because the platform is the signer; receivers verify the
// HMAC with their own copy.
type WebhookSubscription struct {
	ID             uint           `json:"id" gorm:"primaryKey"`
	SubscriptionID string         `json:"subscription_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	ApplicationID  uint           `json:"application_id" gorm:"index;not null"`
	URL            string         `json:"url" gorm:"type:text;not null"`
	Events         datatypes.JSON `json:"events" gorm:"type:jsonb;not null"`
	Secret         string         `json:"-" gorm:"type:varchar(128);not null"`
	Active         bool           `json:"active" gorm:"default:true"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-" gorm:"index"`
}

// WebhookDelivery is the audit record of one delivery, terminal after the
// retry ceiling. Delivery failures never affect the onboarding call.
type WebhookDelivery struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	DeliveryID     string    `json:"delivery_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	SubscriptionID string    `json:"subscription_id" gorm:"type:varchar(36);index;not null"`
	Event          string    `json:"event" gorm:"type:varchar(64);index;not null"`
	Attempts       int       `json:"attempts" gorm:"default:0"`
	Status         string    `json:"status" gorm:"type:varchar(20)"`
	LastError      string    `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
