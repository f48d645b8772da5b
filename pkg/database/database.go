package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"onboarding-service/internal/model"
	"onboarding-service/pkg/config"
)

// DB is the control-plane database instance. Tenant databases are never held
// here; the provisioner opens a dedicated handle per tenant operation.
var DB *gorm.DB

// InitDB initializes the control-plane database connection
func InitDB(dbConfig *config.DBConfig) (*gorm.DB, error) {
	pgConfig := postgres.Config{
		DSN:                  dbConfig.GetDSN(),
		PreferSimpleProtocol: true, // Disables implicit prepared statement usage
	}

	db, err := gorm.Open(postgres.New(pgConfig), &gorm.Config{
		Logger: logger.Default.LogMode(dbConfig.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database object: %w", err)
	}

	// Set connection pool settings from config
	sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConns)
	sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	DB = db
	return DB, nil
}

// MigrateControlPlane runs AutoMigrate for all control-plane models
func MigrateControlPlane(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	if err := db.AutoMigrate(
		&model.Application{},
		&model.APIKey{},
		&model.AppDatabase{},
		&model.OnboardingRegistration{},
		&model.SubdomainReservation{},
		&model.ActivationToken{},
		&model.WebhookSubscription{},
		&model.WebhookDelivery{},
		&model.RateLimitCounter{},
		&model.IdempotencyRecord{},
	); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	return nil
}

// GetDB returns the control-plane database instance
func GetDB() *gorm.DB {
	return DB
}
