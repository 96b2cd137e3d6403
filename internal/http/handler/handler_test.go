package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"nefrit/internal/model"
	"nefrit/internal/service"
	serviceMocks "nefrit/internal/service/mocks"
)

type mockXray struct {
	mock.Mock
}

func (m *mockXray) Running() bool {
	return m.Called().Bool(0)
}

func (m *mockXray) PID() int {
	return m.Called().Int(0)
}

func (m *mockXray) Clients() int {
	return m.Called().Int(0)
}

func (m *mockXray) Restart(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type stubWorkers map[string]model.NodeHealth

func (s stubWorkers) Health(context.Context) map[string]model.NodeHealth { return s }

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestHealthCheck(t *testing.T) {
	db, dbMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	xr := new(mockXray)
	xr.On("Running").Return(true)
	xr.On("PID").Return(4242)
	xr.On("Clients").Return(3)
	workers := stubWorkers{
		"de": {Status: "ok", Server: "de", Users: 3, Xray: true},
		"nl": {Status: "down", Server: "nl"},
	}

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Get("/health", HealthCheck(db, xr, workers))

	t.Run("healthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "ok", body["db"])
		assert.Equal(t, true, body["xray"])
		assert.Equal(t, float64(4242), body["xray_pid"])
		assert.Equal(t, float64(3), body["xray_clients"])

		ws, ok := body["workers"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "ok", ws["de"].(map[string]any)["status"])
		assert.Equal(t, "down", ws["nl"].(map[string]any)["status"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(errors.New("db error"))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
	})
}

func TestLivenessProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", LivenessProbe())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, _ := app.Test(req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubscription(t *testing.T) {
	mockSvc := new(serviceMocks.MockSubscriptionService)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Get("/sub/:path", Subscription(mockSvc))

	t.Run("success", func(t *testing.T) {
		mockSvc.On("Subscription", mock.Anything, "u42").Return("dmxlc3M6Ly8=", nil).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/sub/u42", nil))

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "12", resp.Header.Get("Profile-Update-Interval"))
		assert.True(t, strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), "text/plain"))
		assert.Equal(t, "dmxlc3M6Ly8=", readBody(t, resp))
		mockSvc.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		mockSvc.On("Subscription", mock.Anything, "u0").Return("", service.ErrNotFound).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/sub/u0", nil))

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "Not found", readBody(t, resp))
	})

	t.Run("service error", func(t *testing.T) {
		mockSvc.On("Subscription", mock.Anything, "u1").Return("", errors.New("db down")).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/sub/u1", nil))

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	})
}

func TestMasterRouting(t *testing.T) {
	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler(),
	})

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "xray_restarts_total", Help: "h"})
	reg.MustRegister(counter)
	counter.Inc()

	RegisterMasterRoutes(app, MasterDeps{
		Subscriptions: new(serviceMocks.MockSubscriptionService),
		Tunnel:        func(c *fiber.Ctx) error { return c.SendString("tunnel") },
		Gatherer:      reg,
	})

	t.Run("index", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "🟢 Nefrit VPN Active", readBody(t, resp))
	})

	t.Run("health without db", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
	})

	t.Run("tunnel path", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/vless", nil))
		assert.Equal(t, "tunnel", readBody(t, resp))
	})

	t.Run("metrics", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), "xray_restarts_total 1")
	})

	t.Run("not found route", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/non-existent", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "NOT_FOUND", res.Error.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		// Health endpoint only allows GET
		req := httptest.NewRequest(http.MethodPost, "/health", nil)
		resp, _ := app.Test(req)

		// Fiber returns 405 by default if route exists but method doesn't match
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "METHOD_NOT_ALLOWED", res.Error.Code)
	})
}
