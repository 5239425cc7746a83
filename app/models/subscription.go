package models

import "time"

// Subscription statuses normalized across providers.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusLapsed   = "lapsed"
	SubscriptionStatusUnknown  = "unknown"
)

// Subscription is the normalized subscription state projected from provider
// webhook events. One row per (provider, provider_subscription_id).
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	CustomerRef            string     `gorm:"type:varchar(191);not null;index" json:"customer_ref"`
	PlanRef                string     `gorm:"type:varchar(191);not null;default:''" json:"plan_ref"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'unknown';index" json:"status"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	LastEventID            string     `gorm:"type:varchar(191);not null;default:''" json:"last_event_id"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
