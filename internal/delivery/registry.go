// Package delivery routes messages produced outside a conversation turn,
// such as scheduled task replies, to the transport that owns the user.
package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/hexe/internal/types"
)

// Handler delivers a message to user.
type Handler func(user types.UserID, message string) error

// Registry routes messages to the appropriate delivery handler based on
// user id prefix (e.g. "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for user ids starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver calls the handler with the longest prefix matching user.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(user types.UserID, message string) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(user), prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for user: %s", user)
	}
	return handler(user, message)
}
