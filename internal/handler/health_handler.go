package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/assess-pipeline/internal/config"
	"github.com/noah-isme/assess-pipeline/internal/utils"
)

const healthPingTimeout = 2 * time.Second

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	QueueDepth  *int              `json:"queue_depth,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// QueueDepthFunc reports how many analyses are waiting for a worker.
type QueueDepthFunc func() int

// PingFunc sources a backing dependency.
type PingFunc func(ctx context.Context) error

// HealthSources are the optional dependencies the health endpoint reports on.
type HealthSources struct {
	QueueDepth QueueDepthFunc
	Pings      map[string]PingFunc
}

// HealthCheck reports liveness, queue depth and dependency status. Any failed ping answers 503.
func HealthCheck(cfg config.Config, sources HealthSources) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if sources.QueueDepth != nil {
			depth := sources.QueueDepth()
			payload.QueueDepth = &depth
		}

		if len(sources.Pings) > 0 {
			ctx, cancel := context.WithTimeout(c.UserContext(), healthPingTimeout)
			defer cancel()

			payload.Checks = make(map[string]string, len(sources.Pings))
			for name, ping := range sources.Pings {
				if err := ping(ctx); err != nil {
					payload.Checks[name] = err.Error()
					payload.Status = "degraded"
					continue
				}
				payload.Checks[name] = "ok"
			}
		}

		if payload.Status != "ok" {
			return utils.SendSuccessWithStatus(c, fiber.StatusServiceUnavailable, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
