package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/pingopay/webhookd/app/controllers"
	"github.com/pingopay/webhookd/internal/pkg/constants"
	"github.com/pingopay/webhookd/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute, limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "webhookd operator api",
		})
	})

	// Operator routes require the admin API key
	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware())
	v1.Get("/queue/stats", controllers.HandleQueueStats)
	v1.Post("/queue/retry-failed", controllers.HandleQueueRetryFailed)
	v1.Get("/events/failures", controllers.HandleRecentFailures)
	v1.Get("/events/:provider/:eventID", controllers.HandleEventLookup)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
