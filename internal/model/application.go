package model

import (
	"time"

	"gorm.io/gorm"
)

// Application represents a registered caller/tenant-owner account.
// The master key is stored only as a bcrypt hash; the plaintext is returned
// exactly once at registration.
type Application struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	AppID         string         `json:"app_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	Name          string         `json:"name" gorm:"type:varchar(100);not null"`
	Email         string         `json:"email" gorm:"type:varchar(100);uniqueIndex;not null"`
	MasterKeyHash string         `json:"-" gorm:"type:varchar(255);not null"`
	Active        bool           `json:"active" gorm:"default:true"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}
