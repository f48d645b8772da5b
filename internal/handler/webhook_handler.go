package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"onboarding-service/internal/credential"
	"onboarding-service/internal/middleware"
	"onboarding-service/internal/model"
	"onboarding-service/internal/webhook"
	"onboarding-service/pkg/database"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// knownEvents are the event names a subscription may register for
var knownEvents = map[string]bool{
	"*":                              true,
	webhook.EventTest:                true,
	webhook.EventOnboardingActivated: true,
	webhook.EventOnboardingCompleted: true,
	webhook.EventOnboardingCancelled: true,
}

// RegisterWebhook creates a subscription and returns its signing secret.
// The plaintext secret appears in this response and nowhere else.
func RegisterWebhook(c echo.Context) error {
	log := logger.FromEcho(c)

	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "invalid request"})
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		prometheus.RecordError("validation")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "a valid http(s) url is required"})
	}
	if len(req.Events) == 0 {
		prometheus.RecordError("validation")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "at least one event is required"})
	}
	for _, event := range req.Events {
		if !knownEvents[event] {
			prometheus.RecordError("validation")
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "unknown event: " + event})
		}
	}

	issued, err := credential.Issue(credential.KindWebhookSecret)
	if err != nil {
		log.Error("Failed to issue webhook secret", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "subscription failed"})
	}
	prometheus.RecordCredentialIssued(string(credential.KindWebhookSecret))

	events, _ := json.Marshal(req.Events)
	sub := model.WebhookSubscription{
		SubscriptionID: uuid.New().String(),
		ApplicationID:  app.ID,
		URL:            req.URL,
		Events:         datatypes.JSON(events),
		Secret:         issued.Plaintext,
		Active:         true,
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	if err := database.GetDB().Create(&sub).Error; err != nil {
		log.Error("Failed to create webhook subscription", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "subscription failed"})
	}

	log.Info("Webhook subscription created",
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("url", sub.URL))
	return c.JSON(http.StatusOK, echo.Map{
		"subscription_id": sub.SubscriptionID,
		"url":             sub.URL,
		"events":          req.Events,
		"secret":          issued.Plaintext,
	})
}

// TestWebhook fires a test event so a subscriber can verify its secret
// without a real onboarding occurring
func TestWebhook(c echo.Context) error {
	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	started := dispatcher.Publish(c.Request().Context(), app.ID, webhook.EventTest, echo.Map{
		"message": "signature verification test",
	})
	if started == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no matching webhook subscriptions"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message":            "test event dispatched",
		"deliveries_started": started,
	})
}
