// Package function defines the pluggable Function handler contract and the
// registry the Compiler consults for compile-time validation and the
// Worker consults for dispatch.
package function

import (
	"context"
	"fmt"
	"sync"

	"github.com/relayflow/relayflow/value"
)

// Handler is implemented by every Function node's backing logic. Validate
// is called once at compile time against the node's raw params template
// (still carrying unresolved ${var} markers) and should reject anything
// structurally wrong without requiring live variable values. Execute is
// called once per attempt at runtime against the fully interpolated
// params and must be safe to call more than once for the same Task (at
// least once delivery).
type Handler interface {
	Name() string
	Validate(params any) error
	Execute(ctx context.Context, params any) (value.Value, error)
}

// Registry is a read-after-startup name-to-handler map. Registration
// happens once during engine setup; calling RegisterFunction after Start
// has begun processing Tasks is a caller error, so Registry does not
// attempt to guard against it beyond the duplicate-name check.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under h.Name(). Registering the same name twice is
// rejected rather than silently overwriting a handler a Blueprint may
// already have been validated against.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := h.Name()
	if name == "" {
		return fmt.Errorf("function: handler has an empty name")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("function: handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Validate implements compiler.FunctionValidator: an unknown handler name
// is itself a FunctionValidation failure, caught at compile time rather
// than on the first Task that reaches the node.
func (r *Registry) Validate(name string, params any) error {
	h, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("function: no handler registered for %q", name)
	}
	return h.Validate(params)
}
