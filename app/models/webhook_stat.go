package models

import "time"

// WebhookStat aggregates per-provider processing outcomes. Rows are
// incremented by the periodic counter flush, one row per (provider, outcome).
type WebhookStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Provider  string    `gorm:"type:varchar(20);not null;index:ux_webhook_stats_provider_outcome,unique,priority:1" json:"provider"`
	Outcome   string    `gorm:"type:varchar(20);not null;index:ux_webhook_stats_provider_outcome,unique,priority:2" json:"outcome"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
