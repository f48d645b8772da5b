package model

import "time"

// AppDatabase status values
const (
	DatabaseStatusActive        = "active"
	DatabaseStatusFailed        = "failed"
	DatabaseStatusDeprovisioned = "deprovisioned"
)

// AppDatabase describes a physical tenant database created by the
// provisioner. The generated credential pair is dedicated to the tenant and
// distinct from the platform's own database credentials. The password is
// stored hashed; the plaintext is returned exactly once in the provision
// response, tracked by CredentialShown so the guarantee survives restarts.
type AppDatabase struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	RegistrationID  string    `json:"registration_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	Name            string    `json:"name" gorm:"type:varchar(63);uniqueIndex;not null"`
	Host            string    `json:"host" gorm:"type:varchar(255);not null"`
	Port            string    `json:"port" gorm:"type:varchar(8);not null"`
	Username        string    `json:"username" gorm:"type:varchar(63);not null"`
	PasswordHash    string    `json:"-" gorm:"type:varchar(64);not null"`
	Status          string    `json:"status" gorm:"type:varchar(20);default:'active'"`
	CredentialShown bool      `json:"credential_shown" gorm:"default:false"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
