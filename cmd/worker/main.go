package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingopay/webhookd/app/handlers"
	"github.com/pingopay/webhookd/internal/pkg/cache"
	"github.com/pingopay/webhookd/internal/pkg/database"
	"github.com/pingopay/webhookd/internal/pkg/env"
	"github.com/pingopay/webhookd/internal/pkg/idempotency"
	"github.com/pingopay/webhookd/internal/pkg/jobqueue"
	"github.com/pingopay/webhookd/internal/pkg/provider"
	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

// The worker binary consumes the durable queue and executes handlers. It
// shares wiring with the ingest binary but never serves HTTP.
func main() {
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
	processor := webhook.NewProcessor(store, registry, nil, repo, provider.NewVerifiersFromEnv())
	processor.SetHandlerTimeout(time.Duration(env.GetEnvAsInt("HANDLER_TIMEOUT_SECONDS", 30)) * time.Second)

	queue.SetWebhookExecutor(func(ctx context.Context, job webhook.QueueJobPayload) error {
		_, err := processor.ExecuteQueued(ctx, job)
		return err
	})

	manager := jobqueue.NewManager(queue)
	manager.Start()
	log.Println("worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("worker shutting down")
	manager.Stop()
}
