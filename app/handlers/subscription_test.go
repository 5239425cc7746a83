package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingopay/webhookd/app/models"
)

func TestParseStripeSubscription(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"data": {
			"object": {
				"id": "sub_123",
				"customer": "cus_9",
				"status": "active",
				"cancel_at_period_end": true,
				"current_period_end": 1764547200,
				"items": {"data": [{"price": {"id": "price_pro_monthly"}}]}
			}
		}
	}`)

	sub, err := parseStripeSubscription(payload, "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, "stripe", sub.Provider)
	assert.Equal(t, "sub_123", sub.ProviderSubscriptionID)
	assert.Equal(t, "cus_9", sub.CustomerRef)
	assert.Equal(t, "price_pro_monthly", sub.PlanRef)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1764547200, 0).UTC(), *sub.CurrentPeriodEnd)
}

func TestParseStripeSubscriptionDeletedOverridesStatus(t *testing.T) {
	payload := []byte(`{"data":{"object":{"id":"sub_del","customer":"cus_1","status":"active"}}}`)

	sub, err := parseStripeSubscription(payload, "customer.subscription.deleted")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestParseStripeSubscriptionMissingID(t *testing.T) {
	_, err := parseStripeSubscription([]byte(`{"data":{"object":{}}}`), "customer.subscription.created")
	assert.Error(t, err)
}

func TestNormalizeStripeStatus(t *testing.T) {
	cases := map[string]string{
		"active":        models.SubscriptionStatusActive,
		"trialing":      models.SubscriptionStatusActive,
		"canceled":      models.SubscriptionStatusCanceled,
		"past_due":      models.SubscriptionStatusLapsed,
		"unpaid":        models.SubscriptionStatusLapsed,
		"somethingelse": models.SubscriptionStatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeStripeStatus(in), "status %q", in)
	}
}

func TestParsePayPalSubscription(t *testing.T) {
	payload := []byte(`{
		"id": "WH-1",
		"event_type": "BILLING.SUBSCRIPTION.ACTIVATED",
		"resource": {
			"id": "I-BW452GLLEP1G",
			"plan_id": "P-5ML4271244454362WXNWU5NQ",
			"status": "ACTIVE",
			"subscriber": {"payer_id": "PAYER77"},
			"billing_info": {"next_billing_time": "2026-10-01T10:00:00Z"}
		}
	}`)

	sub, err := parsePayPalSubscription(payload, "billing.subscription.activated")
	require.NoError(t, err)
	assert.Equal(t, "paypal", sub.Provider)
	assert.Equal(t, "I-BW452GLLEP1G", sub.ProviderSubscriptionID)
	assert.Equal(t, "PAYER77", sub.CustomerRef)
	assert.Equal(t, "P-5ML4271244454362WXNWU5NQ", sub.PlanRef)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), *sub.CurrentPeriodEnd)
}

func TestParsePayPalSubscriptionCancelled(t *testing.T) {
	payload := []byte(`{"resource":{"id":"I-X","status":"ACTIVE"}}`)

	sub, err := parsePayPalSubscription(payload, "billing.subscription.cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestParsePatreonSubscription(t *testing.T) {
	payload := []byte(`{
		"data": {
			"id": "member-1",
			"type": "member",
			"attributes": {"patron_status": "active_patron"},
			"relationships": {
				"user": {"data": {"id": "user-9", "type": "user"}},
				"currently_entitled_tiers": {"data": [{"id": "tier-3", "type": "tier"}]}
			}
		}
	}`)

	sub, err := parsePatreonSubscription(payload, "members:update")
	require.NoError(t, err)
	assert.Equal(t, "patreon", sub.Provider)
	assert.Equal(t, "member-1", sub.ProviderSubscriptionID)
	assert.Equal(t, "user-9", sub.CustomerRef)
	assert.Equal(t, "tier-3", sub.PlanRef)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestParsePatreonSubscriptionDelete(t *testing.T) {
	payload := []byte(`{"data":{"id":"member-2","type":"member","attributes":{"patron_status":"active_patron"},"relationships":{"user":{"data":{"id":"user-2","type":"user"}}}}}`)

	sub, err := parsePatreonSubscription(payload, "members:delete")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestParsePatreonSubscriptionFallbackMemberID(t *testing.T) {
	payload := []byte(`{"data":{"type":"member","relationships":{"user":{"data":{"id":"user-5","type":"user"}}}}}`)

	sub, err := parsePatreonSubscription(payload, "members:create")
	require.NoError(t, err)
	assert.Equal(t, "member:user-5", sub.ProviderSubscriptionID)
}

func TestParsePatreonSubscriptionWrongDataType(t *testing.T) {
	_, err := parsePatreonSubscription([]byte(`{"data":{"id":"x","type":"pledge"}}`), "members:create")
	assert.Error(t, err)
}

func TestSubscriptionHandlerEventTypes(t *testing.T) {
	h := NewSubscriptionHandler(nil)
	assert.Equal(t, "subscription-sync", h.Name())
	assert.Contains(t, h.EventTypes(), "customer.subscription.updated")
	assert.Contains(t, h.EventTypes(), "members:delete")
	assert.Contains(t, h.EventTypes(), "billing.subscription.cancelled")
}
