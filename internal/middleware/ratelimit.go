package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"onboarding-service/internal/ratelimit"
	"onboarding-service/pkg/config"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// RateLimit builds an echo middleware enforcing the per-key and per-IP
// buckets. The per-registration provision bucket is checked in the handler,
// where the registration id is known.
func RateLimit(limiter *ratelimit.Limiter, cfg *config.RateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.FromEcho(c)

			// per-IP bucket applies to everything, authenticated or not
			ipKey := fmt.Sprintf("ip:%s:%s", c.RealIP(), c.Path())
			res, err := limiter.CheckAndConsume(c.Request().Context(), ipKey, cfg.PerIPPerMinute, cfg.Window)
			if err != nil {
				log.Error("Rate limit check failed", zap.Error(err))
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "rate limit check failed"})
			}
			SetRateLimitHeaders(c, res)
			if !res.Allowed {
				prometheus.RecordRateLimitDenied("ip")
				return Denied(c, res)
			}

			// per (API key, endpoint) bucket when the request carries a key
			if key, ok := APIKeyFrom(c); ok {
				limit := cfg.PerKeyPerMinute
				if key.RateLimitPerMinute > 0 {
					limit = key.RateLimitPerMinute
				}
				keyBucket := fmt.Sprintf("key:%s:%s", key.KeyPrefix, c.Path())
				res, err = limiter.CheckAndConsume(c.Request().Context(), keyBucket, limit, cfg.Window)
				if err != nil {
					log.Error("Rate limit check failed", zap.Error(err))
					return c.JSON(http.StatusInternalServerError, echo.Map{"error": "rate limit check failed"})
				}
				SetRateLimitHeaders(c, res)
				if !res.Allowed {
					prometheus.RecordRateLimitDenied("api_key")
					return Denied(c, res)
				}
			}

			return next(c)
		}
	}
}

// SetRateLimitHeaders writes the limit metadata carried on every response
func SetRateLimitHeaders(c echo.Context, res *ratelimit.Result) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// Denied writes the 429 response for a denied bucket check
func Denied(c echo.Context, res *ratelimit.Result) error {
	retryAfter := int(res.RetryAfter.Seconds()) + 1
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	return c.JSON(http.StatusTooManyRequests, echo.Map{
		"error":               "rate limit exceeded",
		"retry_after":         retryAfter,
		"retry_after_minutes": int(res.RetryAfter.Minutes()) + 1,
		"reset_at":            res.ResetAt.Format(time.RFC3339),
	})
}
