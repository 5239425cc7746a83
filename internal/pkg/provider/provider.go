package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pingopay/webhookd/app/models"
)

// Provider identifies an external payment service originating webhook events.
type Provider string

const (
	ProviderStripe  Provider = models.WebhookProviderStripe
	ProviderPayPal  Provider = models.WebhookProviderPayPal
	ProviderPatreon Provider = models.WebhookProviderPatreon
)

var (
	ErrUnknownProvider  = errors.New("unknown webhook provider")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// ParseProvider resolves a provider tag from its URL/route representation.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderStripe:
		return ProviderStripe, nil
	case ProviderPayPal:
		return ProviderPayPal, nil
	case ProviderPatreon:
		return ProviderPatreon, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// ParsedEvent carries the provider-issued identity of a webhook delivery.
type ParsedEvent struct {
	EventID   string
	EventType string
}

// Verifier authenticates a raw payload against a header-supplied signature.
// Verification failure is terminal for the delivery attempt; the event must
// never reach the idempotency store or the queue.
type Verifier interface {
	Provider() Provider
	Verify(payload []byte, headers map[string]string) error
}

// HeaderValue looks up a header in a raw header map, tolerating canonical
// and lower-case forms.
func HeaderValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	if v, ok := headers[http.CanonicalHeaderKey(key)]; ok {
		return strings.TrimSpace(v)
	}
	if v, ok := headers[strings.ToLower(key)]; ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// ParseEvent extracts the provider event ID and event type from a raw
// delivery. A payload that cannot be parsed is rejected as a client-side
// error and never enqueued.
func ParseEvent(p Provider, payload []byte, headers map[string]string) (ParsedEvent, error) {
	switch p {
	case ProviderStripe:
		return parseStripeEvent(payload)
	case ProviderPayPal:
		return parsePayPalEvent(payload)
	case ProviderPatreon:
		return parsePatreonEvent(payload, headers)
	default:
		return ParsedEvent{}, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}

func parseStripeEvent(payload []byte) (ParsedEvent, error) {
	var body struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ParsedEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.ID == "" || body.Type == "" {
		return ParsedEvent{}, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}
	return ParsedEvent{EventID: body.ID, EventType: body.Type}, nil
}

func parsePayPalEvent(payload []byte) (ParsedEvent, error) {
	var body struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ParsedEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.ID == "" || body.EventType == "" {
		return ParsedEvent{}, fmt.Errorf("%w: missing id or event_type", ErrMalformedPayload)
	}
	// PayPal sends types uppercase; registry matching is case-exact, so
	// normalize here.
	return ParsedEvent{EventID: body.ID, EventType: strings.ToLower(body.EventType)}, nil
}

// parsePatreonEvent reads the event type and delivery ID from the trigger
// headers; Patreon payloads carry the member resource, not the event identity.
func parsePatreonEvent(payload []byte, headers map[string]string) (ParsedEvent, error) {
	if !json.Valid(payload) {
		return ParsedEvent{}, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	eventType := HeaderValue(headers, "X-Patreon-Event")
	eventID := HeaderValue(headers, "X-Patreon-Delivery")
	if eventID == "" {
		eventID = HeaderValue(headers, "X-Patreon-Event-ID")
	}
	if eventType == "" || eventID == "" {
		return ParsedEvent{}, fmt.Errorf("%w: missing patreon trigger headers", ErrMalformedPayload)
	}
	return ParsedEvent{EventID: eventID, EventType: eventType}, nil
}
