package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookDelivery JobType = "webhook_delivery"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a durable queue job wrapping one webhook event
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// WebhookJobPayloadToMap converts a queue payload to the map stored on the job
func WebhookJobPayloadToMap(p webhook.QueueJobPayload) map[string]interface{} {
	m := map[string]interface{}{
		"provider":          p.Provider,
		"provider_event_id": p.ProviderEventID,
		"event_type":        p.EventType,
		"payload":           p.Payload,
	}
	if len(p.Headers) > 0 {
		m["headers"] = p.Headers
	}
	return m
}

// WebhookJobPayloadFromMap creates a queue payload from a stored job map
func WebhookJobPayloadFromMap(data map[string]interface{}) (*webhook.QueueJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload webhook.QueueJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

// NextBackoff returns the delay before the next attempt: exponential in the
// retry count, capped.
func (j *Job) NextBackoff(base, max time.Duration) time.Duration {
	if j.RetryCount <= 1 {
		return base
	}
	backoff := base
	for i := 1; i < j.RetryCount; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	return backoff
}
