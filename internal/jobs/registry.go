package jobs

import (
	"context"
	"fmt"
)

// Handler executes the business function for one job kind. On success the
// handler is responsible for marking the job SUCCESS itself; only it can
// assemble a meaningful result. Returned errors are recorded on the row by
// the executor.
type Handler interface {
	Execute(ctx context.Context, job *Job, args map[string]any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job, args map[string]any) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, job *Job, args map[string]any) error {
	return f(ctx, job, args)
}

// Registry maps the closed set of job kinds to their handlers. It is
// assembled once at startup and passed by reference into the dispatcher;
// there is no runtime lookup of functions by name.
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

// Register binds a handler to a kind. Rebinding a kind is a programming
// error and panics during startup wiring.
func (r *Registry) Register(kind Kind, handler Handler) {
	if handler == nil {
		panic(fmt.Sprintf("jobs: nil handler for kind %q", kind))
	}
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("jobs: handler already registered for kind %q", kind))
	}
	r.handlers[kind] = handler
}

// Resolve returns the handler for a kind.
func (r *Registry) Resolve(kind Kind) (Handler, error) {
	handler, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job kind %q", kind)
	}
	return handler, nil
}
