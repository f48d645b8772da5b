package handler

import (
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"onboarding-service/internal/credential"
	"onboarding-service/internal/middleware"
	"onboarding-service/internal/model"
	"onboarding-service/pkg/database"
	"onboarding-service/pkg/jwtutil"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// RegisterApplication creates a caller account and returns its master key.
// The plaintext master key appears in this response and nowhere else.
func RegisterApplication(c echo.Context) error {
	log := logger.FromEcho(c)

	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "invalid request"})
	}
	if req.Name == "" || !emailPattern.MatchString(req.Email) {
		prometheus.RecordError("validation")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "name and a valid email are required"})
	}

	var existing model.Application
	if err := database.GetDB().Where("email = ?", req.Email).First(&existing).Error; err == nil {
		prometheus.RecordError("email_already_exists")
		return c.JSON(http.StatusConflict, echo.Map{"error": "email already registered"})
	}

	issued, err := credential.Issue(credential.KindMasterKey)
	if err != nil {
		log.Error("Failed to issue master key", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "registration failed"})
	}
	prometheus.RecordCredentialIssued(string(credential.KindMasterKey))

	app := model.Application{
		AppID:         uuid.New().String(),
		Name:          req.Name,
		Email:         req.Email,
		MasterKeyHash: issued.StoredHash,
		Active:        true,
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	if err := database.GetDB().Create(&app).Error; err != nil {
		log.Error("Failed to create application", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "registration failed"})
	}

	log.Info("Application registered",
		zap.String("app_id", app.AppID),
		zap.String("email", app.Email))
	return c.JSON(http.StatusCreated, echo.Map{
		"app_id":     app.AppID,
		"name":       app.Name,
		"email":      app.Email,
		"master_key": issued.Plaintext,
	})
}

// IssueToken exchanges a valid master key for a short-lived session token
func IssueToken(c echo.Context) error {
	log := logger.FromEcho(c)

	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	token, err := jwtutil.GenerateToken(app.AppID, app.ID, app.Email)
	if err != nil {
		log.Error("Failed to generate session token", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token error"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"token":      token,
		"expires_in": cfg.JWT.ExpirationHours * 3600,
	})
}
