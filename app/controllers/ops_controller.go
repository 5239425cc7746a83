package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/pingopay/webhookd/internal/pkg/cache"
	"github.com/pingopay/webhookd/internal/pkg/database"
	"github.com/pingopay/webhookd/internal/pkg/jobqueue"
	metrics "github.com/pingopay/webhookd/internal/pkg/metrics/counter"
	"github.com/pingopay/webhookd/internal/pkg/provider"
	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

var (
	opsQueue *jobqueue.Queue
	opsRepo  webhook.Repository
)

// InitializeOpsController wires the operator endpoints to the queue and the
// audit repository.
func InitializeOpsController(queue *jobqueue.Queue, repo webhook.Repository) {
	opsQueue = queue
	opsRepo = repo
}

// HandleQueueStats returns queue depth plus the not-yet-flushed outcome
// counters.
func HandleQueueStats(c *fiber.Ctx) error {
	if opsQueue == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := opsQueue.GetQueueStats(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}

	outcomes, err := metrics.GetPendingOutcomes()
	if err != nil {
		outcomes = map[string]int64{}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"queue":            stats,
		"pending_outcomes": outcomes,
	})
}

// HandleQueueRetryFailed redrives terminally failed jobs back onto the
// queue with a fresh retry budget.
func HandleQueueRetryFailed(c *fiber.Ctx) error {
	if opsQueue == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable"})
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_limit"})
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redriven, err := opsQueue.RetryFailedJobs(ctx, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry_failed", "redriven": redriven})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "redriven": redriven})
}

// HandleEventLookup returns the audit record for one provider event.
func HandleEventLookup(c *fiber.Ctx) error {
	prov, err := provider.ParseProvider(c.Params("provider"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_provider"})
	}
	eventID := c.Params("eventID")
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_event_id"})
	}

	if opsRepo == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "repository_unavailable"})
	}

	event, err := opsRepo.GetByProviderEventID(string(prov), eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(event)
}

// HandleRecentFailures lists the most recent failed events from the audit
// trail.
func HandleRecentFailures(c *fiber.Ctx) error {
	if opsRepo == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "repository_unavailable"})
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	failures, err := opsRepo.ListRecentFailures(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"failures": failures})
}

// HandleHealthCheck pings redis and the database.
func HandleHealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	redisOK := cache.GetClient().Ping(ctx).Err() == nil

	dbOK := false
	if db := database.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil {
			dbOK = sqlDB.PingContext(ctx) == nil
		}
	}

	status := fiber.StatusOK
	if !redisOK || !dbOK {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"redis":    redisOK,
		"database": dbOK,
	})
}
