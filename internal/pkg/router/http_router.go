package router

import (
	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/ManuelReschke/tiersync/app/controllers"
)

type HttpRouter struct {
	webhook *controllers.WebhookController
	oauth   *controllers.OAuthController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	// Provider deliveries; the raw body must reach the verifier untouched.
	app.Post("/webhooks/stripe", h.webhook.HandleStripeWebhook)

	if h.oauth != nil {
		app.Get("/auth/:provider", func(c *fiber.Ctx) error {
			return gothfiber.BeginAuthHandler(c)
		})
		app.Get("/auth/:provider/callback", h.oauth.HandleOAuthCallback)
	}
}

func NewHttpRouter(webhook *controllers.WebhookController, oauth *controllers.OAuthController) *HttpRouter {
	return &HttpRouter{webhook: webhook, oauth: oauth}
}
