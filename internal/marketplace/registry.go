package marketplace

import (
	"fmt"

	"github.com/minhvtn/listsync-be/internal/domain"
)

type handlerKey struct {
	marketplace domain.Marketplace
	action      domain.Action
}

// Registry maps (marketplace, action) to its handler. Handlers are
// registered once at startup; resolution happens at job-type resolution
// time, never via runtime type inspection.
type Registry struct {
	handlers map[handlerKey]ActionHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[handlerKey]ActionHandler),
	}
}

// Register binds a handler to (m, a), replacing any previous binding.
func (r *Registry) Register(m domain.Marketplace, a domain.Action, h ActionHandler) {
	if h == nil {
		return
	}
	r.handlers[handlerKey{marketplace: m, action: a}] = h
}

// Resolve returns the handler for (m, a).
func (r *Registry) Resolve(m domain.Marketplace, a domain.Action) (ActionHandler, error) {
	h, ok := r.handlers[handlerKey{marketplace: m, action: a}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrUnknownHandler, m, a)
	}
	return h, nil
}

// Supported reports whether a handler is registered for (m, a). The API
// layer uses it to reject unknown combinations before any job is created.
func (r *Registry) Supported(m domain.Marketplace, a domain.Action) bool {
	_, ok := r.handlers[handlerKey{marketplace: m, action: a}]
	return ok
}
