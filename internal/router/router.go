package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/sar-go-api/internal/config"
	"github.com/noah-isme/sar-go-api/internal/handler"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EvidenceHandler     *handler.EvidenceHandler
	SubmissionHandler   *handler.SubmissionHandler
	QueueHandler        *handler.QueueHandler
	DirectoryHandler    *handler.DirectoryHandler
	ReportHandler       *handler.ReportHandler
	NotificationHandler *handler.NotificationHandler
	HealthProbes        map[string]handler.HealthProbe
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = middleware.JWTProtected(cfg.JWTSecret)
	}
	limiter := middleware.RateLimit("api", cfg.RateLimitMax, cfg.RateLimitWindow)

	protected := func(prefix string) fiber.Router {
		return api.Group(prefix, jwtMiddleware, limiter)
	}

	if deps.EvidenceHandler != nil {
		deps.EvidenceHandler.Register(protected("/evidence"))
	}

	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(protected("/submissions"))
	}

	var admin fiber.Router
	if deps.QueueHandler != nil || deps.DirectoryHandler != nil {
		admin = protected("/admin")
	}

	if deps.QueueHandler != nil {
		deps.QueueHandler.RegisterQueues(protected("/queues"))
		deps.QueueHandler.RegisterAdmin(admin)
	}

	if deps.DirectoryHandler != nil {
		deps.DirectoryHandler.Register(admin)
	}

	if deps.ReportHandler != nil {
		deps.ReportHandler.Register(protected("/reports"))
	}

	// Streams hold one connection for their lifetime, so they skip the request limiter.
	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(api.Group("/notifications", jwtMiddleware))
	}
}
