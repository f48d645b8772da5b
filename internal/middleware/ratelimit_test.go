package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding-service/internal/model"
	"onboarding-service/internal/ratelimit"
	"onboarding-service/internal/testutil"
	"onboarding-service/pkg/config"
)

func newRateLimitedEcho(t *testing.T, cfg *config.RateLimitConfig, pre echo.MiddlewareFunc) *echo.Echo {
	db := testutil.NewDB(t, &model.RateLimitCounter{})
	limiter := ratelimit.NewLimiter(db)

	e := echo.New()
	g := e.Group("")
	if pre != nil {
		g.Use(pre)
	}
	g.Use(RateLimit(limiter, cfg))
	g.GET("/onboarding/start", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"ok": true})
	})
	return e
}

func doRequest(e *echo.Echo, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/onboarding/start", nil)
	req.Header.Set("X-Real-IP", ip)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitPerIP(t *testing.T) {
	cfg := &config.RateLimitConfig{PerIPPerMinute: 2, PerKeyPerMinute: 60, Window: time.Hour}
	e := newRateLimitedEcho(t, cfg, nil)

	for i := 0; i < 2; i++ {
		rec := doRequest(e, "10.0.0.1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := doRequest(e, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Positive(t, body["retry_after"])
	assert.NotEmpty(t, body["reset_at"])

	// another client is unaffected
	rec = doRequest(e, "10.0.0.2")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPerAPIKeyOverride(t *testing.T) {
	cfg := &config.RateLimitConfig{PerIPPerMinute: 100, PerKeyPerMinute: 60, Window: time.Hour}

	// a pre-auth middleware standing in for APIKeyAuth, carrying a key with
	// a tighter per-key override
	key := &model.APIKey{KeyPrefix: "ak_test1234", RateLimitPerMinute: 1}
	pre := echo.MiddlewareFunc(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContextAPIKey, key)
			return next(c)
		}
	})
	e := newRateLimitedEcho(t, cfg, pre)

	rec := doRequest(e, "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// the denial came from the key bucket, not the generous IP bucket
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
}
