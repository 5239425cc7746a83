package models

import "time"

// Webhook providers supported by the ingestion pipeline.
const (
	WebhookProviderStripe  = "stripe"
	WebhookProviderPayPal  = "paypal"
	WebhookProviderPatreon = "patreon"
)

// Webhook event lifecycle statuses. Status only ever moves forward:
// pending -> processing -> completed|failed|skipped. A failed event may
// re-enter processing on retry but never reverts to pending.
const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
	WebhookStatusSkipped    = "skipped"
)

// WebhookEvent stores provider webhook deliveries with deduplication
// metadata for idempotent processing.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	InternalID      string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"internal_id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	HeadersJSON     string     `gorm:"type:text" json:"headers_json"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the event reached a final status.
func (e *WebhookEvent) IsTerminal() bool {
	switch e.Status {
	case WebhookStatusCompleted, WebhookStatusFailed, WebhookStatusSkipped:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving to the given status respects the
// forward-only lifecycle.
func (e *WebhookEvent) CanTransitionTo(status string) bool {
	switch e.Status {
	case WebhookStatusPending:
		return status == WebhookStatusProcessing
	case WebhookStatusProcessing:
		return status == WebhookStatusCompleted || status == WebhookStatusFailed || status == WebhookStatusSkipped
	case WebhookStatusFailed:
		// Retry path only.
		return status == WebhookStatusProcessing
	default:
		return false
	}
}
