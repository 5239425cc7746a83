package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/pingopay/webhookd/app/models"
	"github.com/pingopay/webhookd/internal/pkg/idempotency"
	metrics "github.com/pingopay/webhookd/internal/pkg/metrics/counter"
	"github.com/pingopay/webhookd/internal/pkg/provider"
)

const DefaultHandlerTimeout = 30 * time.Second

// Outcome classifies what the processor did with a delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"  // enqueued for asynchronous execution
	OutcomeCompleted Outcome = "completed" // executed inline, all handlers succeeded
	OutcomeDuplicate Outcome = "duplicate" // already handled, cached result returned
	OutcomeInFlight  Outcome = "in_flight" // concurrent delivery collision
	OutcomeSkipped   Outcome = "skipped"   // no handler registered for the type
	OutcomeFailed    Outcome = "failed"    // executed inline, at least one handler failed
)

// Enqueuer hands an accepted event to the durable queue. Implemented by the
// jobqueue package; an interface here keeps the processor decoupled from the
// queue wiring.
type Enqueuer interface {
	EnqueueWebhookJob(ctx context.Context, job QueueJobPayload) error
}

// QueueJobPayload is the self-contained unit handed to the durable queue.
type QueueJobPayload struct {
	Provider        string            `json:"provider"`
	ProviderEventID string            `json:"provider_event_id"`
	EventType       string            `json:"event_type"`
	Payload         string            `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// ProcessInput is one raw provider delivery.
type ProcessInput struct {
	Provider provider.Provider
	Payload  []byte
	Headers  map[string]string
	UseQueue bool
}

// ProcessResult reports the pipeline decision for one delivery.
type ProcessResult struct {
	Outcome        Outcome
	Event          *models.WebhookEvent
	CachedResult   map[string]interface{}
	HandlerResults []HandlerResult
}

// Processor orchestrates the pipeline: verify, deduplicate, enqueue or
// dispatch, and record the outcome back into the idempotency store. All
// collaborators are injected at construction; there is no package-level
// pipeline state.
type Processor struct {
	store          *idempotency.Store
	registry       *Registry
	queue          Enqueuer
	repo           Repository
	verifiers      map[provider.Provider]provider.Verifier
	handlerTimeout time.Duration
}

func NewProcessor(store *idempotency.Store, registry *Registry, queue Enqueuer, repo Repository, verifiers map[provider.Provider]provider.Verifier) *Processor {
	return &Processor{
		store:          store,
		registry:       registry,
		queue:          queue,
		repo:           repo,
		verifiers:      verifiers,
		handlerTimeout: DefaultHandlerTimeout,
	}
}

// SetHandlerTimeout overrides the per-handler execution bound.
func (p *Processor) SetHandlerTimeout(d time.Duration) {
	if d > 0 {
		p.handlerTimeout = d
	}
}

// Process runs the ingestion path for one delivery. It must stay fast: the
// provider treats a slow acknowledgment as delivery failure and redelivers.
// Authentication or parse failures return an error before any state is
// created.
func (p *Processor) Process(ctx context.Context, in ProcessInput) (*ProcessResult, error) {
	verifier, ok := p.verifiers[in.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no verifier for %q", provider.ErrUnknownProvider, in.Provider)
	}
	if err := verifier.Verify(in.Payload, in.Headers); err != nil {
		log.Warnf("[Webhook] Rejected %s delivery: %v", in.Provider, err)
		metrics.AddWebhookOutcome(string(in.Provider), "rejected")
		return nil, err
	}

	parsed, err := provider.ParseEvent(in.Provider, in.Payload, in.Headers)
	if err != nil {
		log.Warnf("[Webhook] Unparseable %s delivery: %v", in.Provider, err)
		metrics.AddWebhookOutcome(string(in.Provider), "rejected")
		return nil, err
	}

	check, err := p.store.CheckAndSet(ctx, string(in.Provider), parsed.EventID)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !check.IsNew {
		return p.resolveExisting(in.Provider, parsed, check.Existing)
	}

	event, err := p.recordEvent(in, parsed)
	if err != nil {
		p.releaseClaim(ctx, in.Provider, parsed.EventID)
		return nil, err
	}

	if in.UseQueue && p.queue != nil {
		job := QueueJobPayload{
			Provider:        string(in.Provider),
			ProviderEventID: parsed.EventID,
			EventType:       parsed.EventType,
			Payload:         string(in.Payload),
			Headers:         in.Headers,
		}
		if err := p.queue.EnqueueWebhookJob(ctx, job); err != nil {
			p.releaseClaim(ctx, in.Provider, parsed.EventID)
			return nil, fmt.Errorf("failed to enqueue webhook job: %w", err)
		}
		log.Infof("[Webhook] Accepted %s event %s (type=%s) for async processing", in.Provider, parsed.EventID, parsed.EventType)
		metrics.AddWebhookOutcome(string(in.Provider), "accepted")
		return &ProcessResult{Outcome: OutcomeAccepted, Event: event}, nil
	}

	result, err := p.ExecuteHandlers(ctx, event)
	if err != nil && errors.Is(err, ErrRetryableFailure) {
		// Inline execution has no queue behind it, so a retryable failure is
		// terminal for this delivery.
		metrics.AddWebhookOutcome(string(in.Provider), "failed")
	}
	return result, err
}

// releaseClaim hands a freshly claimed idempotency record back when the event
// could not be recorded or enqueued. Leaving the processing record behind
// would acknowledge every redelivery as in flight while no job exists.
func (p *Processor) releaseClaim(ctx context.Context, prov provider.Provider, eventID string) {
	if err := p.store.Release(ctx, string(prov), eventID); err != nil {
		log.Errorf("[Webhook] Failed to release idempotency claim for %s:%s: %v", prov, eventID, err)
	}
}

// resolveExisting maps a non-new idempotency record to a duplicate/in-flight
// response. Duplicate delivery is never an error.
func (p *Processor) resolveExisting(prov provider.Provider, parsed provider.ParsedEvent, existing *idempotency.Record) (*ProcessResult, error) {
	event, _ := p.repo.GetByProviderEventID(string(prov), parsed.EventID)

	switch existing.Status {
	case idempotency.StatusProcessing:
		log.Infof("[Webhook] Event %s:%s already in flight", prov, parsed.EventID)
		metrics.AddWebhookOutcome(string(prov), "in_flight")
		return &ProcessResult{Outcome: OutcomeInFlight, Event: event}, nil
	default:
		// completed, failed or skipped: return the recorded outcome without
		// re-executing handlers. Failed/skipped events are re-processed only
		// via the explicit retry path.
		log.Infof("[Webhook] Duplicate delivery of %s:%s (status=%s)", prov, parsed.EventID, existing.Status)
		metrics.AddWebhookOutcome(string(prov), "duplicate")
		return &ProcessResult{Outcome: OutcomeDuplicate, Event: event, CachedResult: existing.Result}, nil
	}
}

func (p *Processor) recordEvent(in ProcessInput, parsed provider.ParsedEvent) (*models.WebhookEvent, error) {
	headersJSON := ""
	if len(in.Headers) > 0 {
		if data, err := json.Marshal(in.Headers); err == nil {
			headersJSON = string(data)
		}
	}

	event := &models.WebhookEvent{
		InternalID:      uuid.New().String(),
		Provider:        string(in.Provider),
		ProviderEventID: parsed.EventID,
		EventType:       parsed.EventType,
		PayloadJSON:     string(in.Payload),
		HeadersJSON:     headersJSON,
		SignatureValid:  true,
		Status:          models.WebhookStatusPending,
	}
	_, stored, err := p.repo.CreateIfNotExists(event)
	if err != nil {
		return nil, fmt.Errorf("failed to persist webhook event: %w", err)
	}
	return stored, nil
}

// ExecuteQueued is the worker-side entry point for a dequeued job. The queue
// delivers at least once, so a completed idempotency record short-circuits
// redelivered jobs before any handler runs.
func (p *Processor) ExecuteQueued(ctx context.Context, job QueueJobPayload) (*ProcessResult, error) {
	record, err := p.store.GetStatus(ctx, job.Provider, job.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if record != nil && (record.Status == idempotency.StatusCompleted || record.Status == idempotency.StatusSkipped) {
		log.Infof("[Webhook] Job for %s:%s already %s, dropping redelivery", job.Provider, job.ProviderEventID, record.Status)
		event, _ := p.repo.GetByProviderEventID(job.Provider, job.ProviderEventID)
		return &ProcessResult{Outcome: OutcomeDuplicate, Event: event, CachedResult: record.Result}, nil
	}

	event, err := p.repo.GetByProviderEventID(job.Provider, job.ProviderEventID)
	if err != nil || event == nil {
		// Audit row missing (e.g. DB lagged behind the queue); rebuild the
		// event from the self-contained job payload.
		headersJSON := ""
		if len(job.Headers) > 0 {
			if data, merr := json.Marshal(job.Headers); merr == nil {
				headersJSON = string(data)
			}
		}
		event = &models.WebhookEvent{
			InternalID:      uuid.New().String(),
			Provider:        job.Provider,
			ProviderEventID: job.ProviderEventID,
			EventType:       job.EventType,
			PayloadJSON:     job.Payload,
			HeadersJSON:     headersJSON,
			SignatureValid:  true,
			Status:          models.WebhookStatusPending,
		}
	}
	return p.ExecuteHandlers(ctx, event)
}

// ExecuteHandlers runs every matched handler for the event sequentially in
// registration order and records the aggregate outcome. A retryable failure
// is surfaced as ErrRetryableFailure so the queue's backoff applies; a
// terminal failure returns OutcomeFailed with a nil error.
func (p *Processor) ExecuteHandlers(ctx context.Context, event *models.WebhookEvent) (*ProcessResult, error) {
	handlers := p.registry.HandlersFor(event.EventType)
	if len(handlers) == 0 {
		return p.finishSkipped(ctx, event)
	}

	event.Status = models.WebhookStatusProcessing
	event.Attempts++
	if err := p.repo.UpdateStatus(event.Provider, event.ProviderEventID, models.WebhookStatusProcessing, event.Attempts); err != nil {
		log.Errorf("[Webhook] Failed to mark event %s processing: %v", event.InternalID, err)
	}

	results := make([]HandlerResult, 0, len(handlers))
	allSucceeded := true
	retryable := false
	for _, h := range handlers {
		result := p.invokeHandler(ctx, h, event)
		results = append(results, result)
		if !result.Success {
			// A failing handler does not stop later handlers; all results
			// are collected and the aggregate decides the final status.
			allSucceeded = false
			if result.Retry {
				retryable = true
			}
			log.Errorf("[Webhook] Handler %s failed for %s:%s: %s", h.Name(), event.Provider, event.ProviderEventID, result.Message)
		}
	}

	aggregate := aggregateResult(handlers, results, allSucceeded)

	if allSucceeded {
		return p.finishCompleted(ctx, event, results, aggregate)
	}
	return p.finishFailed(ctx, event, results, aggregate, retryable)
}

func (p *Processor) invokeHandler(ctx context.Context, h Handler, event *models.WebhookEvent) HandlerResult {
	hctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	done := make(chan HandlerResult, 1)
	go func() {
		done <- h.Handle(hctx, []byte(event.PayloadJSON), event)
	}()

	select {
	case result := <-done:
		return result
	case <-hctx.Done():
		return HandlerResult{
			Success: false,
			Message: fmt.Sprintf("handler %s timed out after %s", h.Name(), p.handlerTimeout),
			Retry:   true,
		}
	}
}

func (p *Processor) finishSkipped(ctx context.Context, event *models.WebhookEvent) (*ProcessResult, error) {
	// Unmatched event types are not errors; skipped is terminal.
	event.Status = models.WebhookStatusSkipped
	if err := p.store.UpdateStatus(ctx, event.Provider, event.ProviderEventID, idempotency.StatusSkipped, nil); err != nil {
		log.Errorf("[Webhook] Failed to record skipped status for %s:%s: %v", event.Provider, event.ProviderEventID, err)
	}
	if err := p.repo.UpdateStatus(event.Provider, event.ProviderEventID, models.WebhookStatusSkipped, event.Attempts); err != nil {
		log.Errorf("[Webhook] Failed to persist skipped status for %s: %v", event.InternalID, err)
	}
	p.markProcessed(event, "")
	log.Infof("[Webhook] No handler for %s event type %s, skipped", event.Provider, event.EventType)
	metrics.AddWebhookOutcome(event.Provider, "skipped")
	return &ProcessResult{Outcome: OutcomeSkipped, Event: event}, nil
}

func (p *Processor) finishCompleted(ctx context.Context, event *models.WebhookEvent, results []HandlerResult, aggregate map[string]interface{}) (*ProcessResult, error) {
	event.Status = models.WebhookStatusCompleted
	if err := p.store.UpdateStatus(ctx, event.Provider, event.ProviderEventID, idempotency.StatusCompleted, aggregate); err != nil {
		log.Errorf("[Webhook] Failed to record completed status for %s:%s: %v", event.Provider, event.ProviderEventID, err)
	}
	if err := p.repo.UpdateStatus(event.Provider, event.ProviderEventID, models.WebhookStatusCompleted, event.Attempts); err != nil {
		log.Errorf("[Webhook] Failed to persist completed status for %s: %v", event.InternalID, err)
	}
	p.markProcessed(event, "")
	log.Infof("[Webhook] Completed %s event %s (%d handlers)", event.Provider, event.ProviderEventID, len(results))
	metrics.AddWebhookOutcome(event.Provider, "completed")
	return &ProcessResult{Outcome: OutcomeCompleted, Event: event, HandlerResults: results, CachedResult: aggregate}, nil
}

func (p *Processor) finishFailed(ctx context.Context, event *models.WebhookEvent, results []HandlerResult, aggregate map[string]interface{}, retryable bool) (*ProcessResult, error) {
	event.Status = models.WebhookStatusFailed
	if err := p.store.UpdateStatus(ctx, event.Provider, event.ProviderEventID, idempotency.StatusFailed, aggregate); err != nil {
		log.Errorf("[Webhook] Failed to record failed status for %s:%s: %v", event.Provider, event.ProviderEventID, err)
	}
	if err := p.repo.UpdateStatus(event.Provider, event.ProviderEventID, models.WebhookStatusFailed, event.Attempts); err != nil {
		log.Errorf("[Webhook] Failed to persist failed status for %s: %v", event.InternalID, err)
	}
	p.markProcessed(event, failureMessage(results))
	if !retryable {
		// Retryable failures are counted once, at the end of the retry
		// ladder, not per attempt. The queue counts exhaustion, the inline
		// path counts in Process.
		metrics.AddWebhookOutcome(event.Provider, "failed")
	}

	result := &ProcessResult{Outcome: OutcomeFailed, Event: event, HandlerResults: results, CachedResult: aggregate}
	if retryable {
		return result, fmt.Errorf("%w: event %s:%s", ErrRetryableFailure, event.Provider, event.ProviderEventID)
	}
	return result, nil
}

func (p *Processor) markProcessed(event *models.WebhookEvent, processingError string) {
	if event.ID == 0 {
		return
	}
	if err := p.repo.MarkProcessed(event.ID, processingError); err != nil {
		log.Errorf("[Webhook] Failed to mark event %s processed: %v", event.InternalID, err)
	}
}

func aggregateResult(handlers []Handler, results []HandlerResult, success bool) map[string]interface{} {
	handlerResults := make([]map[string]interface{}, 0, len(results))
	for i, r := range results {
		handlerResults = append(handlerResults, map[string]interface{}{
			"handler": handlers[i].Name(),
			"success": r.Success,
			"message": r.Message,
			"retry":   r.Retry,
		})
	}
	return map[string]interface{}{
		"success":  success,
		"handlers": handlerResults,
	}
}

func failureMessage(results []HandlerResult) string {
	for _, r := range results {
		if !r.Success {
			return r.Message
		}
	}
	return ""
}
