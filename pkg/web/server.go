package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewApp wires every route. gatherer backs /metrics and may be nil to disable it.
func NewApp(handlers *APIHandlers, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	t := app.Group("/triggers")
	t.Get("/", handlers.ListTriggers)
	t.Post("/", handlers.CreateTrigger)
	t.Get("/:uuid", handlers.GetTrigger)
	t.Patch("/:uuid", handlers.UpdateTrigger)
	t.Delete("/:uuid", handlers.DeleteTrigger)
	t.Post("/:uuid/test", handlers.TestTrigger)

	app.Delete("/documents/:documentUuid/triggers", handlers.DeleteDocumentTriggers)

	w := app.Group("/webhooks")
	w.Post("/email", handlers.ReceiveEmail)
	w.Post("/integrations/:workspaceId/:triggerUuid", handlers.ReceiveIntegrationPayload)

	b := app.Group("/batches")
	b.Post("/", handlers.CreateBatch)
	b.Get("/:id", handlers.GetBatch)

	return app
}
