package handler

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"onboarding-service/internal/apperr"
	"onboarding-service/internal/onboarding"
	"onboarding-service/internal/ratelimit"
	"onboarding-service/internal/webhook"
	"onboarding-service/pkg/config"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// Package-level wiring, set once at startup
var (
	svc        *onboarding.Service
	limiter    *ratelimit.Limiter
	dispatcher *webhook.Dispatcher
	cfg        *config.Config
)

// Init wires the handlers to their services
func Init(s *onboarding.Service, l *ratelimit.Limiter, d *webhook.Dispatcher, c *config.Config) {
	svc = s
	limiter = l
	dispatcher = d
	cfg = c
}

// respondError maps a service error onto the HTTP boundary
func respondError(c echo.Context, err error) error {
	log := logger.FromEcho(c)

	status := apperr.HTTPStatus(err)
	body := echo.Map{"error": err.Error()}
	for k, v := range apperr.Details(err) {
		body[k] = v
	}

	errType := string(apperr.TypeOf(err))
	if errType == "" {
		errType = "internal"
	}
	prometheus.RecordError(errType)

	if status >= 500 {
		log.Error("Request failed", zap.Error(err))
	} else {
		log.Warn("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	return c.JSON(status, body)
}
