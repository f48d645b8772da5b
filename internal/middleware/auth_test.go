package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"onboarding-service/internal/credential"
	"onboarding-service/internal/model"
	"onboarding-service/internal/testutil"
	"onboarding-service/pkg/config"
	"onboarding-service/pkg/database"
	"onboarding-service/pkg/jwtutil"
)

func setupAuthDB(t *testing.T) *gorm.DB {
	db := testutil.NewDB(t, &model.Application{}, &model.APIKey{})
	prev := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prev })
	return db
}

func createApplication(t *testing.T, db *gorm.DB, active bool) (*model.Application, string) {
	t.Helper()
	issued, err := credential.Issue(credential.KindMasterKey)
	require.NoError(t, err)
	app := &model.Application{
		AppID:         uuid.New().String(),
		Name:          "Test App",
		Email:         uuid.New().String() + "@example.com",
		MasterKeyHash: issued.StoredHash,
		Active:        active,
	}
	require.NoError(t, db.Create(app).Error)
	return app, issued.Plaintext
}

func createAPIKey(t *testing.T, db *gorm.DB, app *model.Application, active bool, expiresAt *time.Time) string {
	t.Helper()
	issued, err := credential.Issue(credential.KindAPIKey)
	require.NoError(t, err)
	key := &model.APIKey{
		ApplicationID: app.ID,
		KeyHash:       issued.StoredHash,
		KeyPrefix:     issued.PublicPrefix,
		Active:        active,
		ExpiresAt:     expiresAt,
	}
	require.NoError(t, db.Create(key).Error)
	return issued.Plaintext
}

// invoke runs the middleware chain against a bare GET request and reports
// whether the protected handler ran.
func invoke(mw echo.MiddlewareFunc, headers map[string]string) (*httptest.ResponseRecorder, bool, echo.Context) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/onboarding/status/x", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	reached := false
	handler := mw(func(c echo.Context) error {
		reached = true
		return c.NoContent(http.StatusOK)
	})
	_ = handler(c)
	return rec, reached, c
}

func TestAPIKeyAuth(t *testing.T) {
	db := setupAuthDB(t)
	app, _ := createApplication(t, db, true)
	validKey := createAPIKey(t, db, app, true, nil)

	past := time.Now().Add(-time.Hour)
	expiredKey := createAPIKey(t, db, app, true, &past)
	revokedKey := createAPIKey(t, db, app, false, nil)

	inactiveApp, _ := createApplication(t, db, false)
	inactiveAppKey := createAPIKey(t, db, inactiveApp, true, nil)

	mw := echo.MiddlewareFunc(func(next echo.HandlerFunc) echo.HandlerFunc {
		return APIKeyAuth(next)
	})

	tests := []struct {
		name    string
		key     string
		status  int
		reached bool
	}{
		{"valid key", validKey, http.StatusOK, true},
		{"missing header", "", http.StatusUnauthorized, false},
		{"unknown key", "ak_unknown", http.StatusUnauthorized, false},
		{"expired key", expiredKey, http.StatusUnauthorized, false},
		{"revoked key", revokedKey, http.StatusUnauthorized, false},
		{"key of deactivated application", inactiveAppKey, http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.key != "" {
				headers["X-API-Key"] = tt.key
			}
			rec, reached, c := invoke(mw, headers)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reached, reached)

			if tt.reached {
				got, ok := ApplicationFrom(c)
				require.True(t, ok)
				assert.Equal(t, app.ID, got.ID)
				key, ok := APIKeyFrom(c)
				require.True(t, ok)
				assert.Equal(t, app.ID, key.ApplicationID)
			}
		})
	}
}

func TestMasterKeyAuth(t *testing.T) {
	db := setupAuthDB(t)
	app, masterKey := createApplication(t, db, true)

	mw := echo.MiddlewareFunc(func(next echo.HandlerFunc) echo.HandlerFunc {
		return MasterKeyAuth(next)
	})

	tests := []struct {
		name    string
		appID   string
		key     string
		status  int
		reached bool
	}{
		{"valid credentials", app.AppID, masterKey, http.StatusOK, true},
		{"missing headers", "", "", http.StatusUnauthorized, false},
		{"unknown application", uuid.New().String(), masterKey, http.StatusUnauthorized, false},
		{"wrong master key", app.AppID, "mk_wrong", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.appID != "" {
				headers["X-App-ID"] = tt.appID
			}
			if tt.key != "" {
				headers["X-Master-Key"] = tt.key
			}
			rec, reached, c := invoke(mw, headers)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reached, reached)

			if tt.reached {
				got, ok := ApplicationFrom(c)
				require.True(t, ok)
				assert.Equal(t, app.ID, got.ID)
			}
		})
	}
}

func TestSessionAuth(t *testing.T) {
	db := setupAuthDB(t)
	app, _ := createApplication(t, db, true)

	jwtutil.Initialize(&config.JWTConfig{SigningKey: "test-signing-key", ExpirationHours: 1})
	token, err := jwtutil.GenerateToken(app.AppID, app.ID, app.Email)
	require.NoError(t, err)

	mw := echo.MiddlewareFunc(func(next echo.HandlerFunc) echo.HandlerFunc {
		return SessionAuth(next)
	})

	tests := []struct {
		name    string
		header  string
		status  int
		reached bool
	}{
		{"valid token", "Bearer " + token, http.StatusOK, true},
		{"missing header", "", http.StatusUnauthorized, false},
		{"not bearer", "Basic abc", http.StatusUnauthorized, false},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rec, reached, _ := invoke(mw, headers)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reached, reached)
		})
	}
}
