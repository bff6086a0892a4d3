package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProtectedApp(t *testing.T) (*fiber.App, services.TokenService) {
	t.Helper()
	tokens, err := services.NewTokenService(time.Hour, "kusanagi", "kusanagi-api", "middleware-test-secret")
	require.NoError(t, err)

	auth := NewAuthMiddleware(tokens)
	app := fiber.New()
	app.Get("/ops", auth.Authenticate(), auth.RequireScope(services.ScopeOps), func(c fiber.Ctx) error {
		service, _ := GetServiceFromContext(c)
		return c.SendString(service)
	})
	return app, tokens
}

func TestAuthenticate(t *testing.T) {
	app, tokens := newProtectedApp(t)

	opsToken, err := tokens.GenerateServiceToken("dashboard", []string{services.ScopeOps})
	require.NoError(t, err)
	linkToken, err := tokens.GenerateServiceToken("sms-gateway", []string{services.ScopeLinksCreate})
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
		wantBody   string
	}{
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantCode: "MISSING_AUTHORIZATION_HEADER"},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantCode: "INVALID_AUTHORIZATION_FORMAT"},
		{name: "garbage token", header: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized, wantCode: "TOKEN_INVALID"},
		{name: "missing scope", header: "Bearer " + linkToken, wantStatus: http.StatusForbidden, wantCode: "INSUFFICIENT_SCOPE"},
		{name: "authorized", header: "Bearer " + opsToken, wantStatus: http.StatusOK, wantBody: "dashboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, string(body))
				return
			}

			var payload struct {
				Success bool            `json:"success"`
				Error   dto.ErrorDetail `json:"error"`
			}
			require.NoError(t, json.Unmarshal(body, &payload))
			assert.False(t, payload.Success)
			assert.Equal(t, tt.wantCode, payload.Error.Code)
		})
	}
}
