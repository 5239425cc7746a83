package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/pingopay/webhookd/app/controllers"
	"github.com/pingopay/webhookd/internal/pkg/constants"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Provider ingest endpoint. No auth middleware here: authentication is
	// the signature verification inside the processor.
	app.Post(constants.WebhookIngestRoute, controllers.HandleProviderWebhook)

	app.Get(constants.HealthRoute, controllers.HandleHealthCheck)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
