package main

import (
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/pingopay/webhookd/app/controllers"
	"github.com/pingopay/webhookd/app/handlers"
	"github.com/pingopay/webhookd/internal/pkg/cache"
	"github.com/pingopay/webhookd/internal/pkg/database"
	"github.com/pingopay/webhookd/internal/pkg/env"
	"github.com/pingopay/webhookd/internal/pkg/idempotency"
	"github.com/pingopay/webhookd/internal/pkg/jobqueue"
	"github.com/pingopay/webhookd/internal/pkg/provider"
	"github.com/pingopay/webhookd/internal/pkg/router"
	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

// NewApplication builds the ingest/API binary. Handler execution happens in
// the worker binary (cmd/worker); this process only verifies, deduplicates
// and enqueues.
func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	client := cache.GetClient()

	repo := webhook.NewRepository(db)
	store := idempotency.NewStore(client, time.Duration(env.GetEnvAsInt("IDEMPOTENCY_TTL_HOURS", 24))*time.Hour)

	registry := webhook.NewRegistry()
	if err := handlers.RegisterAll(registry, db); err != nil {
		log.Fatalf("handler registration failed: %v", err)
	}
	registry.Freeze()

	queue := jobqueue.NewQueue(client, env.GetEnvAsInt("QUEUE_WORKERS", 3))
	processor := webhook.NewProcessor(store, registry, queue, repo, provider.NewVerifiersFromEnv())
	processor.SetHandlerTimeout(time.Duration(env.GetEnvAsInt("HANDLER_TIMEOUT_SECONDS", 30)) * time.Second)

	useQueue := env.GetEnv("WEBHOOK_ASYNC", "true") == "true"
	controllers.InitializeWebhookController(processor, useQueue)
	controllers.InitializeOpsController(queue, repo)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1048576, // 1 MiB; provider payloads are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "changeme"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
