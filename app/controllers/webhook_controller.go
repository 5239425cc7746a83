package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pingopay/webhookd/internal/pkg/provider"
	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

const webhookRequestTimeout = 15 * time.Second

var (
	webhookProcessor *webhook.Processor
	webhookUseQueue  bool
)

// InitializeWebhookController wires the ingest handler to the processor.
// useQueue selects asynchronous execution via the durable queue; inline
// execution is only used in single-binary deployments without a worker.
func InitializeWebhookController(p *webhook.Processor, useQueue bool) {
	webhookProcessor = p
	webhookUseQueue = useQueue
}

// HandleProviderWebhook ingests one provider delivery. The handler must
// acknowledge quickly; providers treat slow responses as delivery failure
// and redeliver.
func HandleProviderWebhook(c *fiber.Ctx) error {
	prov, err := provider.ParseProvider(c.Params("provider"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_provider"})
	}

	if webhookProcessor == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_pipeline_unavailable"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	headers := requestHeaders(c)

	ctx, cancel := context.WithTimeout(context.Background(), webhookRequestTimeout)
	defer cancel()

	result, err := webhookProcessor.Process(ctx, webhook.ProcessInput{
		Provider: prov,
		Payload:  rawBody,
		Headers:  headers,
		UseQueue: webhookUseQueue,
	})
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidSignature):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.Is(err, provider.ErrMalformedPayload):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		case errors.Is(err, provider.ErrUnknownProvider):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_provider"})
		case errors.Is(err, webhook.ErrRetryableFailure):
			// 5xx makes the provider redeliver; the failed idempotency record
			// allows the retry path to re-execute.
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "handler_failed"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
		}
	}

	switch result.Outcome {
	case webhook.OutcomeDuplicate:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	case webhook.OutcomeInFlight:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "in_flight": true})
	case webhook.OutcomeSkipped:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "skipped": true})
	case webhook.OutcomeFailed:
		// Terminal failure: acknowledge so the provider stops redelivering.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": false, "failed": true})
	default:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	}
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	return headers
}
