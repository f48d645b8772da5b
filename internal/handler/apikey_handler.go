package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"onboarding-service/internal/credential"
	"onboarding-service/internal/middleware"
	"onboarding-service/internal/model"
	"onboarding-service/pkg/database"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// CreateAPIKey issues a new API key under the authenticated application.
// The plaintext key appears in this response and nowhere else.
func CreateAPIKey(c echo.Context) error {
	log := logger.FromEcho(c)

	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		ExpiresInDays      int `json:"expires_in_days,omitempty"`
		RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "invalid request"})
	}

	issued, err := credential.Issue(credential.KindAPIKey)
	if err != nil {
		log.Error("Failed to issue API key", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "key issuance failed"})
	}
	prometheus.RecordCredentialIssued(string(credential.KindAPIKey))

	key := model.APIKey{
		ApplicationID:      app.ID,
		KeyHash:            issued.StoredHash,
		KeyPrefix:          issued.PublicPrefix,
		Active:             true,
		RateLimitPerMinute: req.RateLimitPerMinute,
	}
	if req.ExpiresInDays > 0 {
		expires := time.Now().AddDate(0, 0, req.ExpiresInDays)
		key.ExpiresAt = &expires
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	if err := database.GetDB().Create(&key).Error; err != nil {
		log.Error("Failed to store API key", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "key issuance failed"})
	}

	log.Info("API key issued",
		zap.String("app_id", app.AppID),
		zap.String("key_prefix", key.KeyPrefix))
	return c.JSON(http.StatusCreated, echo.Map{
		"api_key":    issued.Plaintext,
		"key_prefix": key.KeyPrefix,
		"expires_at": key.ExpiresAt,
	})
}

// RevokeAPIKey flips the key's active flag. A revoked key is never
// reactivated with the same secret.
func RevokeAPIKey(c echo.Context) error {
	log := logger.FromEcho(c)

	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	prefix := c.Param("prefix")

	defer prometheus.TrackDBOperation("update")(time.Now())
	result := database.GetDB().
		Model(&model.APIKey{}).
		Where("application_id = ? AND key_prefix = ? AND active = ?", app.ID, prefix, true).
		Update("active", false)
	if result.Error != nil {
		log.Error("Failed to revoke API key", zap.Error(result.Error))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "revocation failed"})
	}
	if result.RowsAffected == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "API key not found"})
	}

	log.Info("API key revoked",
		zap.String("app_id", app.AppID),
		zap.String("key_prefix", prefix))
	return c.JSON(http.StatusOK, echo.Map{"message": "API key revoked"})
}
