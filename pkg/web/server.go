package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp assembles the fiber application around the handlers.
func NewApp(handlers *Handlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("hookcron")
	})

	app.Post("/wh/:token", handlers.Callback)

	app.Get("/runs/:id", handlers.GetRun)
	app.Get("/runs/:id/steps", handlers.GetRunSteps)
	app.Post("/runs/:id/cancel", handlers.CancelRun)

	app.Post("/workflows/:id/run", handlers.TriggerRun)

	app.Get("/executions/:id", handlers.GetExecution)

	return app
}
