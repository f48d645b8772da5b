package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"onboarding-service/internal/credential"
	"onboarding-service/internal/model"
	"onboarding-service/pkg/database"
	"onboarding-service/pkg/jwtutil"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// Context keys set by the auth middlewares
const (
	ContextApplication = "application"
	ContextAPIKey      = "api_key"
)

// APIKeyAuth validates X-API-Key against the stored hash and attaches the
// owning application to the context. Revoked and expired keys are rejected.
func APIKeyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		log := logger.FromEcho(c)

		presented := c.Request().Header.Get("X-API-Key")
		if presented == "" {
			prometheus.RecordError("missing_api_key")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing X-API-Key header"})
		}

		var key model.APIKey
		err := database.GetDB().
			Preload("Application").
			Where("key_hash = ? AND active = ?", credential.HashLookupSecret(presented), true).
			First(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("Unknown or revoked API key", zap.String("ip", c.RealIP()))
			prometheus.RecordError("invalid_api_key")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid API key"})
		}
		if err != nil {
			log.Error("API key lookup failed", zap.Error(err))
			prometheus.RecordError("auth_db_error")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "authentication failed"})
		}

		if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
			prometheus.RecordError("expired_api_key")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "API key expired"})
		}
		if !key.Application.Active {
			prometheus.RecordError("inactive_application")
			return c.JSON(http.StatusForbidden, echo.Map{"error": "application deactivated"})
		}

		c.Set(ContextAPIKey, &key)
		c.Set(ContextApplication, &key.Application)
		return next(c)
	}
}

// MasterKeyAuth validates X-Master-Key for the application named by X-App-ID.
// Master keys are bcrypt-hashed, so the application must be identified first.
func MasterKeyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		log := logger.FromEcho(c)

		appID := c.Request().Header.Get("X-App-ID")
		presented := c.Request().Header.Get("X-Master-Key")
		if appID == "" || presented == "" {
			prometheus.RecordError("missing_master_key")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing X-App-ID or X-Master-Key header"})
		}

		var app model.Application
		err := database.GetDB().
			Where("app_id = ? AND active = ?", appID, true).
			First(&app).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			prometheus.RecordError("unknown_application")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		if err != nil {
			log.Error("Application lookup failed", zap.Error(err))
			prometheus.RecordError("auth_db_error")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "authentication failed"})
		}

		if !credential.Verify(credential.KindMasterKey, presented, app.MasterKeyHash) {
			log.Warn("Master key verification failed", zap.String("app_id", appID))
			prometheus.RecordError("invalid_master_key")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}

		c.Set(ContextApplication, &app)
		return next(c)
	}
}

// SessionAuth validates a Bearer JWT issued by /auth/token for dashboard use
func SessionAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		log := logger.FromEcho(c)

		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			prometheus.RecordError("missing_token")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing authorization token"})
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			prometheus.RecordError("invalid_auth_format")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid authorization format, expected Bearer token"})
		}

		claims, err := jwtutil.ValidateToken(parts[1])
		if err != nil {
			log.Warn("Invalid session token", zap.Error(err))
			prometheus.RecordError("invalid_token")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired token"})
		}

		var app model.Application
		if err := database.GetDB().
			Where("id = ? AND active = ?", claims.ApplicationID, true).
			First(&app).Error; err != nil {
			prometheus.RecordError("unknown_application")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}

		c.Set(ContextApplication, &app)
		return next(c)
	}
}

// ApplicationFrom returns the authenticated application from the context
func ApplicationFrom(c echo.Context) (*model.Application, bool) {
	app, ok := c.Get(ContextApplication).(*model.Application)
	return app, ok
}

// APIKeyFrom returns the authenticated API key from the context, when the
// request was authenticated with one
func APIKeyFrom(c echo.Context) (*model.APIKey, bool) {
	key, ok := c.Get(ContextAPIKey).(*model.APIKey)
	return key, ok
}
