package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// DBConfig holds the platform (control-plane) database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// GetDSN returns the PostgreSQL connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// TenantDSN returns a connection string for a tenant database on the same cluster
func (c *DBConfig) TenantDSN(dbName, user, password string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, user, password, dbName, c.SSLMode)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Env  string
}

// JWTConfig holds JWT configuration for dashboard session tokens
type JWTConfig struct {
	SigningKey      string
	ExpirationHours int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Prefix string
}

// OnboardingConfig holds provisioning and credential settings
type OnboardingConfig struct {
	BaseDomain           string
	MaxSlugAttempts      int
	ActivationTokenTTL   time.Duration
	ProvisionStepTimeout time.Duration
	StaleClaimTTL        time.Duration
}

// RateLimitConfig holds per-bucket rate limit ceilings
type RateLimitConfig struct {
	PerKeyPerMinute int
	PerIPPerMinute  int
	ProvisionPerDay int
	Window          time.Duration
}

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	RequestTimeout time.Duration
}

// Config holds all configuration
type Config struct {
	ServiceName string
	DB          DBConfig
	Server      ServerConfig
	JWT         JWTConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Onboarding  OnboardingConfig
	RateLimit   RateLimitConfig
	Webhook     WebhookConfig
}

// Load loads configuration from the .env file and environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Not returning error as .env file is optional
		fmt.Printf("Warning: .env file not found, using environment variables\n")
	}

	config := &Config{
		ServiceName: serviceName,
		DB: DBConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "password"),
			DBName:          getEnv("DB_NAME", serviceName),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnvAsLogLevel("DB_LOG_LEVEL", logger.Warn),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		JWT: JWTConfig{
			SigningKey:      getEnv("JWT_SIGNING_KEY", "defaultsecretkey"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", serviceName),
		},
		Onboarding: OnboardingConfig{
			BaseDomain:           getEnv("BASE_DOMAIN", "example-saas.com"),
			MaxSlugAttempts:      getEnvAsInt("MAX_SLUG_ATTEMPTS", 50),
			ActivationTokenTTL:   getEnvAsDuration("ACTIVATION_TOKEN_TTL", 7*24*time.Hour),
			ProvisionStepTimeout: getEnvAsDuration("PROVISION_STEP_TIMEOUT", 30*time.Second),
			StaleClaimTTL:        getEnvAsDuration("STALE_CLAIM_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			PerKeyPerMinute: getEnvAsInt("RATE_LIMIT_PER_KEY_PER_MINUTE", 60),
			PerIPPerMinute:  getEnvAsInt("RATE_LIMIT_PER_IP_PER_MINUTE", 120),
			ProvisionPerDay: getEnvAsInt("RATE_LIMIT_PROVISION_PER_DAY", 5),
			Window:          getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Webhook: WebhookConfig{
			MaxAttempts:    getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 5),
			BackoffBase:    getEnvAsDuration("WEBHOOK_BACKOFF_BASE", 1*time.Second),
			RequestTimeout: getEnvAsDuration("WEBHOOK_REQUEST_TIMEOUT", 10*time.Second),
		},
	}

	return config, nil
}

// LogConfig returns the configuration as a zap logger-friendly format
func (c *Config) LogConfig() []zap.Field {
	return []zap.Field{
		zap.String("service", c.ServiceName),
		zap.String("environment", c.Server.Env),
		zap.String("db_host", c.DB.Host),
		zap.String("db_port", c.DB.Port),
		zap.String("db_name", c.DB.DBName),
		zap.String("server_port", c.Server.Port),
		zap.String("base_domain", c.Onboarding.BaseDomain),
	}
}

// Helper function to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as integers
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as durations
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as log levels
func getEnvAsLogLevel(key string, defaultValue logger.LogLevel) logger.LogLevel {
	valueStr := getEnv(key, "")
	switch valueStr {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return defaultValue
	}
}
