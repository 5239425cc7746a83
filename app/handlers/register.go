package handlers

import (
	"gorm.io/gorm"

	"github.com/pingopay/webhookd/internal/pkg/webhook"
)

// RegisterAll registers the built-in handlers. Called once at startup
// before the registry is frozen.
func RegisterAll(registry *webhook.Registry, db *gorm.DB) error {
	return registry.Register(NewSubscriptionHandler(db))
}
