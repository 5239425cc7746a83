package idempotency

import "github.com/pingopay/webhookd/app/models"

// Record statuses mirror the webhook event lifecycle; pending never appears
// here because a record is only created once processing is claimed.
const (
	StatusProcessing = models.WebhookStatusProcessing
	StatusCompleted  = models.WebhookStatusCompleted
	StatusFailed     = models.WebhookStatusFailed
	StatusSkipped    = models.WebhookStatusSkipped
)
