package model

import (
	"time"

	"gorm.io/datatypes"
)

// Registration status values
const (
	RegistrationStatusPending   = "pending"
	RegistrationStatusActivated = "activated"
	RegistrationStatusCancelled = "cancelled"
	RegistrationStatusCompleted = "completed"
)

// Provisioning step names recorded in StepStatus
const (
	StepDatabase   = "database"
	StepMigrations = "migrations"
	StepAdmin      = "admin"
)

// OnboardingRegistration is the central lifecycle record tying together the
// application, subdomain, credentials and provisioning outcome. It is only
// ever mutated through the state machine and is never deleted, only
// transitioned to a terminal status.
type OnboardingRegistration struct {
	ID                   uint           `json:"id" gorm:"primaryKey"`
	RegistrationID       string         `json:"registration_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	ApplicationID        uint           `json:"application_id" gorm:"index;not null"`
	Email                string         `json:"email" gorm:"type:varchar(100);not null"`
	OrganizationName     string         `json:"organization_name" gorm:"type:varchar(200);not null"`
	Subdomain            string         `json:"subdomain" gorm:"type:varchar(63);index;not null"`
	Status               string         `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	DNSConfigured        bool           `json:"dns_configured" gorm:"default:false"`
	SSLConfigured        bool           `json:"ssl_configured" gorm:"default:false"`
	ProvisioningAttempts int            `json:"provisioning_attempts" gorm:"default:0"`
	StepStatus           datatypes.JSON `json:"step_status,omitempty" gorm:"type:jsonb"`
	FailureReason        string         `json:"failure_reason,omitempty" gorm:"type:text"`
	Metadata             datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Terminal reports whether the registration is in a terminal status
func (r *OnboardingRegistration) Terminal() bool {
	return r.Status == RegistrationStatusCompleted || r.Status == RegistrationStatusCancelled
}

// SubdomainReservation pins a subdomain to a registration. The unique index
// on Subdomain is the linearization point for slug allocation: concurrent
// allocators racing for the same name see a unique violation and move on to
// the next suffix. The row is removed when its registration is cancelled,
// releasing the name.
type SubdomainReservation struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Subdomain      string    `json:"subdomain" gorm:"type:varchar(63);uniqueIndex;not null"`
	RegistrationID string    `json:"registration_id" gorm:"type:varchar(36);index;not null"`
	CreatedAt      time.Time `json:"created_at"`
}
