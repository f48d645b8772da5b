package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"onboarding-service/pkg/config"
)

// NewDB opens an isolated in-memory database for one test and migrates the
// given models. Connections are capped at one because the shared-cache
// in-memory driver does not tolerate concurrent writers.
func NewDB(t *testing.T, models ...interface{}) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access test database pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate test schema: %v", err)
		}
	}
	return db
}

// NewConfig returns a configuration with fast, deterministic values for tests.
func NewConfig() *config.Config {
	return &config.Config{
		ServiceName: "onboarding-service-test",
		DB: config.DBConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			SSLMode: "disable",
		},
		Onboarding: config.OnboardingConfig{
			BaseDomain:           "example-saas.com",
			MaxSlugAttempts:      50,
			ActivationTokenTTL:   time.Hour,
			ProvisionStepTimeout: 10 * time.Second,
			StaleClaimTTL:        time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			PerKeyPerMinute: 60,
			PerIPPerMinute:  120,
			ProvisionPerDay: 5,
			Window:          time.Minute,
		},
		Webhook: config.WebhookConfig{
			MaxAttempts:    3,
			BackoffBase:    time.Millisecond,
			RequestTimeout: time.Second,
		},
	}
}
