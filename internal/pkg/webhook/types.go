package webhook

import (
	"context"
	"errors"

	"github.com/pingopay/webhookd/app/models"
)

// WildcardEventType registers a handler for every event type, used for
// cross-cutting concerns (logging, auditing).
const WildcardEventType = "*"

// ErrRetryableFailure marks a handler failure as transient. The queue layer
// applies its backoff/retry policy when it sees this error; terminal
// failures never carry it.
var ErrRetryableFailure = errors.New("retryable handler failure")

// Handler is a registered unit of business logic dispatched by event type.
type Handler interface {
	// Name identifies the handler for dedup and result reporting.
	Name() string
	// EventTypes lists the type tags this handler matches; WildcardEventType
	// matches every type.
	EventTypes() []string
	Handle(ctx context.Context, payload []byte, event *models.WebhookEvent) HandlerResult
}

// HandlerResult reports one handler invocation. Retry=true signals that the
// failure is transient and the job should be retried rather than treated as
// terminal.
type HandlerResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Retry   bool                   `json:"retry,omitempty"`
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc struct {
	HandlerName string
	Types       []string
	Fn          func(ctx context.Context, payload []byte, event *models.WebhookEvent) HandlerResult
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) EventTypes() []string { return h.Types }

func (h HandlerFunc) Handle(ctx context.Context, payload []byte, event *models.WebhookEvent) HandlerResult {
	return h.Fn(ctx, payload, event)
}
