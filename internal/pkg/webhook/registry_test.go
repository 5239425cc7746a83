package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingopay/webhookd/app/models"
)

func namedHandler(name string, types ...string) Handler {
	return HandlerFunc{
		HandlerName: name,
		Types:       types,
		Fn: func(ctx context.Context, payload []byte, event *models.WebhookEvent) HandlerResult {
			return HandlerResult{Success: true}
		},
	}
}

func handlerNames(handlers []Handler) []string {
	names := make([]string, 0, len(handlers))
	for _, h := range handlers {
		names = append(names, h.Name())
	}
	return names
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("billing", "invoice.paid")))
	require.NoError(t, r.Register(namedHandler("notify", "invoice.paid", "invoice.voided")))

	assert.Equal(t, []string{"billing", "notify"}, handlerNames(r.HandlersFor("invoice.paid")))
	assert.Equal(t, []string{"notify"}, handlerNames(r.HandlersFor("invoice.voided")))
	assert.Empty(t, r.HandlersFor("customer.created"))
}

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("first", "evt")))
	require.NoError(t, r.Register(namedHandler("second", "evt")))
	require.NoError(t, r.Register(namedHandler("third", "evt")))

	assert.Equal(t, []string{"first", "second", "third"}, handlerNames(r.HandlersFor("evt")))
}

func TestRegistryWildcardMatchesAfterExact(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("audit", WildcardEventType)))
	require.NoError(t, r.Register(namedHandler("billing", "invoice.paid")))

	// Exact handlers run before wildcard handlers regardless of registration order
	assert.Equal(t, []string{"billing", "audit"}, handlerNames(r.HandlersFor("invoice.paid")))
	assert.Equal(t, []string{"audit"}, handlerNames(r.HandlersFor("anything.else")))
}

func TestRegistryRejectsDuplicateNamePerType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("billing", "invoice.paid")))

	err := r.Register(namedHandler("billing", "invoice.paid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// Same name on a different type is allowed
	require.NoError(t, r.Register(namedHandler("billing", "invoice.voided")))
}

func TestRegistryRejectsInvalidHandlers(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(namedHandler("", "evt")))
	assert.Error(t, r.Register(namedHandler("no-types")))
}

func TestRegistryFreezePanicsOnRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("billing", "evt")))
	r.Freeze()

	assert.Panics(t, func() {
		_ = r.Register(namedHandler("late", "evt"))
	})

	// Lookups keep working after freeze
	assert.Equal(t, []string{"billing"}, handlerNames(r.HandlersFor("evt")))
}

func TestRegistryRegisteredTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedHandler("b", "zebra")))
	require.NoError(t, r.Register(namedHandler("a", "alpha", "middle")))

	assert.Equal(t, []string{"alpha", "middle", "zebra"}, r.RegisteredTypes())
}
