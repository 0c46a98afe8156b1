package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/tiersync/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Handlers carries the controllers the routers mount. OAuth may be nil when
// member linking is not configured.
type Handlers struct {
	Webhook    *controllers.WebhookController
	OAuth      *controllers.OAuthController
	Members    *controllers.MembersController
	ReadAPIKey string
}

func InstallRouter(app *fiber.App, h Handlers) {
	setup(app, NewHttpRouter(h.Webhook, h.OAuth), NewApiRouter(h.Members, h.ReadAPIKey))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
