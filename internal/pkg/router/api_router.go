package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/tiersync/app/controllers"
	"github.com/ManuelReschke/tiersync/internal/pkg/middleware"
)

type ApiRouter struct {
	members    *controllers.MembersController
	readAPIKey string
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "tiersync api",
		})
	})

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.readAPIKey))
	v1.Get("/members/paid", h.members.HandlePaidMembers)
	v1.Get("/members/grace", h.members.HandleGraceMembers)
}

func NewApiRouter(members *controllers.MembersController, readAPIKey string) *ApiRouter {
	return &ApiRouter{members: members, readAPIKey: readAPIKey}
}
