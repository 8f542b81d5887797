package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/assess-pipeline/internal/config"
	"github.com/noah-isme/assess-pipeline/internal/handler"
)

func TestHealthReportsQueueDepth(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "assess-test", resp.Header.Get("X-Application"))

	var payload envelope[handler.HealthResponse]
	decodeResponse(t, resp, &payload)
	require.True(t, payload.Success)
	require.Equal(t, "ok", payload.Data.Status)
	require.Equal(t, "test", payload.Data.Environment)
	require.NotNil(t, payload.Data.QueueDepth)
	require.Equal(t, 3, *payload.Data.QueueDepth)
}

func TestHealthCheckWithoutQueue(t *testing.T) {
	cfg := config.Config{
		AppName: "assess-pipeline",
		AppEnv:  "test",
	}

	app := fiber.New()
	app.Get("/api/v1/health", handler.HealthCheck(cfg, handler.HealthSources{}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), -1)
	if err != nil {
		t.Fatalf("failed to execute request: %v", err)
	}
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload envelope[handler.HealthResponse]
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, cfg.AppName, payload.Data.Service)
	assert.Nil(t, payload.Data.QueueDepth)
	assert.WithinDuration(t, time.Now().UTC(), payload.Data.Timestamp, 2*time.Second)
}

func TestHealthCheckDegradesOnFailedPing(t *testing.T) {
	app := fiber.New()
	app.Get("/api/v1/health", handler.HealthCheck(config.Config{AppName: "assess-pipeline"}, handler.HealthSources{
		Pings: map[string]handler.PingFunc{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var payload envelope[handler.HealthResponse]
	decodeResponse(t, resp, &payload)
	require.Equal(t, "degraded", payload.Data.Status)
	require.Equal(t, "ok", payload.Data.Checks["database"])
	require.Equal(t, "connection refused", payload.Data.Checks["redis"])
}
