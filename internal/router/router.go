package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/assess-pipeline/internal/config"
	"github.com/noah-isme/assess-pipeline/internal/handler"
	"github.com/noah-isme/assess-pipeline/internal/middleware"
	"github.com/noah-isme/assess-pipeline/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SubmissionHandler *handler.SubmissionHandler
	StreamHandler     *handler.SubmissionStreamHandler
	ReviewHandler     *handler.ReviewHandler
	OpsHandler        *handler.OpsHandler
	Health            handler.HealthSources
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Health))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.SubmissionHandler != nil {
		submissions := api.Group("/submissions", jwtMiddleware)
		if deps.StreamHandler != nil {
			deps.StreamHandler.Register(submissions)
		}
		deps.SubmissionHandler.Register(submissions)
	}

	if deps.ReviewHandler != nil {
		deps.ReviewHandler.Register(api.Group("/reviews", jwtMiddleware))
		deps.ReviewHandler.RegisterStudentRoutes(api.Group("/students", jwtMiddleware))
	}

	if deps.OpsHandler != nil {
		ops := api.Group("/ops", jwtMiddleware, middleware.RequireRole(middleware.RoleAdmin))
		deps.OpsHandler.Register(ops)
	}
}
