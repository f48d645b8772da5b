package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"onboarding-service/internal/middleware"
	"onboarding-service/internal/onboarding"
	"onboarding-service/internal/provisioner"
	"onboarding-service/internal/webhook"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// StartOnboarding creates a pending registration with an allocated subdomain
func StartOnboarding(c echo.Context) error {
	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req onboarding.StartRequest
	if err := c.Bind(&req); err != nil {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "invalid request"})
	}

	reg, err := svc.Start(c.Request().Context(), app, req)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"registration_id": reg.RegistrationID,
		"subdomain":       reg.Subdomain,
		"status":          reg.Status,
		"metadata":        reg.Metadata,
	})
}

// ProvisionOnboarding runs the provisioning pipeline for a registration.
// Database and admin credentials appear in the first successful response and
// are never re-exposed; replays return the stored result with is_idempotent.
func ProvisionOnboarding(c echo.Context) error {
	log := logger.FromEcho(c)

	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		RegistrationID string                   `json:"registration_id"`
		Migrations     provisioner.MigrationSet `json:"migrations,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "invalid request"})
	}
	if req.RegistrationID == "" {
		prometheus.RecordError("validation")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "registration_id is required"})
	}

	// per-registration bucket bounds provision attempts regardless of key
	bucket := fmt.Sprintf("provision:%s", req.RegistrationID)
	res, err := limiter.CheckAndConsume(c.Request().Context(), bucket, cfg.RateLimit.ProvisionPerDay, 24*time.Hour)
	if err != nil {
		log.Error("Rate limit check failed", zap.Error(err))
		prometheus.RecordError("internal")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "rate limit check failed"})
	}
	middleware.SetRateLimitHeaders(c, res)
	if !res.Allowed {
		prometheus.RecordRateLimitDenied("registration")
		return middleware.Denied(c, res)
	}

	result, err := svc.Provision(c.Request().Context(), app, req.RegistrationID, req.Migrations)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// OnboardingStatus reads the current lifecycle state of a registration
func OnboardingStatus(c echo.Context) error {
	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	reg, err := svc.Get(c.Request().Context(), app, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"registration_id":       reg.RegistrationID,
		"subdomain":             reg.Subdomain,
		"status":                reg.Status,
		"dns_configured":        reg.DNSConfigured,
		"ssl_configured":        reg.SSLConfigured,
		"provisioning_attempts": reg.ProvisioningAttempts,
		"step_status":           reg.StepStatus,
		"failure_reason":        reg.FailureReason,
		"metadata":              reg.Metadata,
		"created_at":            reg.CreatedAt,
		"updated_at":            reg.UpdatedAt,
	})
}

// CancelOnboarding moves a registration to cancelled and frees its subdomain
func CancelOnboarding(c echo.Context) error {
	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		RegistrationID string `json:"registration_id"`
	}
	if err := c.Bind(&req); err != nil || req.RegistrationID == "" {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "registration_id is required"})
	}

	reg, err := svc.Cancel(c.Request().Context(), app, req.RegistrationID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"registration_id": reg.RegistrationID,
		"status":          reg.Status,
	})
}

// ActivateOnboarding consumes an activation token, completing the onboarding
func ActivateOnboarding(c echo.Context) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.Bind(&req); err != nil || req.Token == "" {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "token is required"})
	}

	reg, err := svc.Complete(c.Request().Context(), req.Token)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"registration_id": reg.RegistrationID,
		"subdomain":       reg.Subdomain,
		"status":          reg.Status,
	})
}

// ExternalOnboarding runs start and provision in one call, with
// caller-supplied migrations and an optional callback URL notified when the
// tenant is ready.
func ExternalOnboarding(c echo.Context) error {
	log := logger.FromEcho(c)

	app, ok := middleware.ApplicationFrom(c)
	if !ok {
		prometheus.RecordError("unauthorized")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		OrganizationName string                   `json:"organization_name"`
		Email            string                   `json:"email"`
		Migrations       provisioner.MigrationSet `json:"migrations,omitempty"`
		CallbackURL      string                   `json:"callback_url,omitempty"`
		Metadata         map[string]interface{}   `json:"metadata,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordError("invalid_request")
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "invalid request"})
	}

	reg, err := svc.Start(c.Request().Context(), app, onboarding.StartRequest{
		OrganizationName: req.OrganizationName,
		Email:            req.Email,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return respondError(c, err)
	}

	result, err := svc.Provision(c.Request().Context(), app, reg.RegistrationID, req.Migrations)
	if err != nil {
		return respondError(c, err)
	}

	if req.CallbackURL != "" {
		log.Info("Notifying external callback",
			zap.String("registration_id", reg.RegistrationID),
			zap.String("callback_url", req.CallbackURL))
		dispatcher.NotifyURL(req.CallbackURL, webhook.EventOnboardingActivated, echo.Map{
			"registration_id": result.RegistrationID,
			"subdomain":       result.Subdomain,
			"database_name":   result.DatabaseName,
			"url":             result.URL,
		})
	}

	return c.JSON(http.StatusOK, result)
}
