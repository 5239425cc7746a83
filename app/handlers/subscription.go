package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pingopay/webhookd/app/models"
	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

// SubscriptionHandler projects subscription lifecycle events into the
// normalized subscriptions table. DB errors are reported retryable; a
// payload that cannot be normalized is a terminal failure because
// redelivering it cannot change the outcome.
type SubscriptionHandler struct {
	db *gorm.DB
}

func NewSubscriptionHandler(db *gorm.DB) *SubscriptionHandler {
	return &SubscriptionHandler{db: db}
}

func (h *SubscriptionHandler) Name() string { return "subscription-sync" }

func (h *SubscriptionHandler) EventTypes() []string {
	return []string{
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"billing.subscription.activated",
		"billing.subscription.cancelled",
		"billing.subscription.suspended",
		"members:create",
		"members:update",
		"members:delete",
	}
}

func (h *SubscriptionHandler) Handle(ctx context.Context, payload []byte, event *models.WebhookEvent) webhook.HandlerResult {
	var (
		sub *models.Subscription
		err error
	)
	switch event.Provider {
	case models.WebhookProviderStripe:
		sub, err = parseStripeSubscription(payload, event.EventType)
	case models.WebhookProviderPayPal:
		sub, err = parsePayPalSubscription(payload, event.EventType)
	case models.WebhookProviderPatreon:
		sub, err = parsePatreonSubscription(payload, event.EventType)
	default:
		err = fmt.Errorf("no subscription mapping for provider %s", event.Provider)
	}
	if err != nil {
		return webhook.HandlerResult{Success: false, Message: err.Error()}
	}
	sub.LastEventID = event.ProviderEventID

	if err := h.upsert(ctx, sub); err != nil {
		return webhook.HandlerResult{Success: false, Message: fmt.Sprintf("subscription upsert failed: %v", err), Retry: true}
	}

	return webhook.HandlerResult{
		Success: true,
		Data: map[string]interface{}{
			"subscription_id": sub.ProviderSubscriptionID,
			"status":          sub.Status,
		},
	}
}

func (h *SubscriptionHandler) upsert(ctx context.Context, sub *models.Subscription) error {
	return h.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_ref", "plan_ref", "status", "cancel_at_period_end",
			"current_period_end", "last_event_id", "updated_at",
		}),
	}).Create(sub).Error
}

func parseStripeSubscription(payload []byte, eventType string) (*models.Subscription, error) {
	var raw struct {
		Data struct {
			Object struct {
				ID                string `json:"id"`
				Customer          string `json:"customer"`
				Status            string `json:"status"`
				CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
				CurrentPeriodEnd  int64  `json:"current_period_end"`
				Plan              struct {
					ID string `json:"id"`
				} `json:"plan"`
				Items struct {
					Data []struct {
						Price struct {
							ID string `json:"id"`
						} `json:"price"`
					} `json:"data"`
				} `json:"items"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("unparseable stripe subscription payload: %w", err)
	}
	obj := raw.Data.Object
	if obj.ID == "" {
		return nil, fmt.Errorf("stripe subscription payload missing object id")
	}

	planRef := obj.Plan.ID
	if planRef == "" && len(obj.Items.Data) > 0 {
		planRef = obj.Items.Data[0].Price.ID
	}

	status := normalizeStripeStatus(obj.Status)
	if eventType == "customer.subscription.deleted" {
		status = models.SubscriptionStatusCanceled
	}

	sub := &models.Subscription{
		Provider:               models.WebhookProviderStripe,
		ProviderSubscriptionID: obj.ID,
		CustomerRef:            obj.Customer,
		PlanRef:                planRef,
		Status:                 status,
		CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
	}
	if obj.CurrentPeriodEnd > 0 {
		end := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &end
	}
	return sub, nil
}

func normalizeStripeStatus(status string) string {
	switch status {
	case "active", "trialing":
		return models.SubscriptionStatusActive
	case "canceled":
		return models.SubscriptionStatusCanceled
	case "past_due", "unpaid", "incomplete", "incomplete_expired":
		return models.SubscriptionStatusLapsed
	default:
		return models.SubscriptionStatusUnknown
	}
}

func parsePayPalSubscription(payload []byte, eventType string) (*models.Subscription, error) {
	var raw struct {
		Resource struct {
			ID         string `json:"id"`
			PlanID     string `json:"plan_id"`
			Status     string `json:"status"`
			Subscriber struct {
				PayerID string `json:"payer_id"`
			} `json:"subscriber"`
			BillingInfo struct {
				NextBillingTime string `json:"next_billing_time"`
			} `json:"billing_info"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("unparseable paypal subscription payload: %w", err)
	}
	res := raw.Resource
	if res.ID == "" {
		return nil, fmt.Errorf("paypal subscription payload missing resource id")
	}

	var status string
	switch eventType {
	case "billing.subscription.activated":
		status = models.SubscriptionStatusActive
	case "billing.subscription.cancelled":
		status = models.SubscriptionStatusCanceled
	case "billing.subscription.suspended":
		status = models.SubscriptionStatusLapsed
	default:
		status = normalizePayPalStatus(res.Status)
	}

	sub := &models.Subscription{
		Provider:               models.WebhookProviderPayPal,
		ProviderSubscriptionID: res.ID,
		CustomerRef:            res.Subscriber.PayerID,
		PlanRef:                res.PlanID,
		Status:                 status,
	}
	if res.BillingInfo.NextBillingTime != "" {
		if end, err := time.Parse(time.RFC3339, res.BillingInfo.NextBillingTime); err == nil {
			utc := end.UTC()
			sub.CurrentPeriodEnd = &utc
		}
	}
	return sub, nil
}

func normalizePayPalStatus(status string) string {
	switch strings.ToUpper(status) {
	case "ACTIVE":
		return models.SubscriptionStatusActive
	case "CANCELLED", "EXPIRED":
		return models.SubscriptionStatusCanceled
	case "SUSPENDED":
		return models.SubscriptionStatusLapsed
	default:
		return models.SubscriptionStatusUnknown
	}
}

func parsePatreonSubscription(payload []byte, eventType string) (*models.Subscription, error) {
	type relData struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	var raw struct {
		Data struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			Attributes struct {
				PatronStatus string `json:"patron_status"`
			} `json:"attributes"`
			Relationships struct {
				User struct {
					Data relData `json:"data"`
				} `json:"user"`
				CurrentlyEntitledTiers struct {
					Data []relData `json:"data"`
				} `json:"currently_entitled_tiers"`
			} `json:"relationships"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("unparseable patreon member payload: %w", err)
	}
	if raw.Data.Type != "" && raw.Data.Type != "member" {
		return nil, fmt.Errorf("unsupported patreon webhook data type: %s", raw.Data.Type)
	}

	memberID := strings.TrimSpace(raw.Data.ID)
	patreonUserID := strings.TrimSpace(raw.Data.Relationships.User.Data.ID)
	if memberID == "" && patreonUserID == "" {
		return nil, fmt.Errorf("patreon member payload missing member and user id")
	}
	if memberID == "" {
		memberID = "member:" + patreonUserID
	}

	status := normalizePatreonStatus(raw.Data.Attributes.PatronStatus)
	if eventType == "members:delete" {
		status = models.SubscriptionStatusCanceled
	}

	planRef := ""
	if tiers := raw.Data.Relationships.CurrentlyEntitledTiers.Data; len(tiers) > 0 {
		planRef = strings.TrimSpace(tiers[0].ID)
	}

	return &models.Subscription{
		Provider:               models.WebhookProviderPatreon,
		ProviderSubscriptionID: memberID,
		CustomerRef:            patreonUserID,
		PlanRef:                planRef,
		Status:                 status,
	}, nil
}

func normalizePatreonStatus(patronStatus string) string {
	switch strings.ToLower(strings.TrimSpace(patronStatus)) {
	case "active_patron":
		return models.SubscriptionStatusActive
	case "declined_patron":
		return models.SubscriptionStatusLapsed
	case "former_patron":
		return models.SubscriptionStatusCanceled
	default:
		return models.SubscriptionStatusUnknown
	}
}
