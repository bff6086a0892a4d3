package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsUsesRouteTemplate(t *testing.T) {
	app := fiber.New()
	app.Use(Metrics("/metrics"))
	app.Get("/video/:token", func(c fiber.Ctx) error { return c.SendStatus(fiber.StatusGone) })
	app.Get("/metrics", func(c fiber.Ctx) error { return c.SendString("ok") })

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/video/:token", "410")
	before := testutil.ToFloat64(counter)
	scrapes := httpRequestsTotal.WithLabelValues(http.MethodGet, "/metrics", "200")
	scrapesBefore := testutil.ToFloat64(scrapes)

	for _, token := range []string{"a", "b"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/video/"+token, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Equal(t, scrapesBefore, testutil.ToFloat64(scrapes))
}
