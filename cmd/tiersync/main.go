package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/tiersync/app/controllers"
	"github.com/ManuelReschke/tiersync/internal/pkg/bootstrap"
	"github.com/ManuelReschke/tiersync/internal/pkg/config"
	"github.com/ManuelReschke/tiersync/internal/pkg/env"
	"github.com/ManuelReschke/tiersync/internal/pkg/oauth"
	"github.com/ManuelReschke/tiersync/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer svc.Close()

	app := NewApplication(svc)

	svc.Scheduler.RefreshTierGauge(ctx)
	svc.Scheduler.Start()

	go func() {
		<-ctx.Done()
		log.Info("[Server] Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc.Scheduler.Stop(shutdownCtx)
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Errorf("[Server] shutdown: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort)); err != nil {
		log.Fatal(err)
	}
}

func NewApplication(svc *bootstrap.Services) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/monitor", monitor.New())

	h := router.Handlers{
		Webhook:    controllers.NewWebhookController(svc.Verifier, svc.Gate),
		Members:    controllers.NewMembersController(svc.Store),
		ReadAPIKey: svc.Config.ReadAPIKey,
	}
	if oauth.Setup(svc.Config, svc.Cache) {
		h.OAuth = controllers.NewOAuthController(svc.Store, svc.Recorder)
	}

	// ROUTER
	router.InstallRouter(app, h)

	return app
}
