package webhook

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps event-type strings to ordered handler lists. Registration
// happens at startup; Freeze makes the set immutable before workers start so
// concurrent lookups need no locking discipline from callers.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[string][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register adds a handler for each of its event types. Re-registration is
// additive; registering the same handler name twice for the same type is an
// error. Registering on a frozen registry panics, it is a wiring bug.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic("webhook: Register called on frozen registry")
	}
	if h.Name() == "" {
		return fmt.Errorf("handler must have a name")
	}
	types := h.EventTypes()
	if len(types) == 0 {
		return fmt.Errorf("handler %s must declare at least one event type", h.Name())
	}

	for _, eventType := range types {
		for _, existing := range r.handlers[eventType] {
			if existing.Name() == h.Name() {
				return fmt.Errorf("handler %s already registered for type %s", h.Name(), eventType)
			}
		}
		r.handlers[eventType] = append(r.handlers[eventType], h)
	}
	return nil
}

// Freeze makes the registration set immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// HandlersFor returns the matching handlers for eventType: exact-type
// handlers first in registration order, then wildcard handlers.
func (r *Registry) HandlersFor(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exact := r.handlers[eventType]
	wildcard := r.handlers[WildcardEventType]
	if eventType == WildcardEventType {
		wildcard = nil
	}

	matched := make([]Handler, 0, len(exact)+len(wildcard))
	matched = append(matched, exact...)
	matched = append(matched, wildcard...)
	return matched
}

// RegisteredTypes returns the sorted set of event types with at least one
// registered handler.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}
