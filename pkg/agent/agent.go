// Package agent models the capability invoked by triggers. Concrete agents
// are registered at startup; the dispatcher only sees the Capability
// interface, decoupling it from any transport or process boundary.
package agent

import (
	"context"
	"sync"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
)

// Result is the acknowledgement of one agent invocation.
type Result struct {
	// Output is agent-defined payload data, if any.
	Output map[string]any
}

// Capability is an invokable agent.
type Capability interface {
	// Invoke processes the span. A returned error marks the firing failed
	// and subject to the dispatcher's retry policy.
	Invoke(ctx context.Context, s span.Span) (Result, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, s span.Span) (Result, error)

// Invoke implements Capability.
func (f Func) Invoke(ctx context.Context, s span.Span) (Result, error) {
	return f(ctx, s)
}

// Registry maps agent references to capabilities. Registration happens at
// startup; lookup is concurrent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Capability
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Capability)}
}

// Register binds a reference to a capability, replacing any previous binding.
func (r *Registry) Register(ref string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[ref] = c
}

// Lookup resolves a reference.
func (r *Registry) Lookup(ref string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.agents[ref]
	if !ok {
		return nil, motorerr.New(motorerr.KindNotFound, "agent not registered").With("agent_ref", ref)
	}
	return c, nil
}
