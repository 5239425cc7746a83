package constants

// Static route constants
const (
	WebhookIngestRoute = "/webhooks/:provider"
	HealthRoute        = "/up"
	APIRoute           = "/api"
)
