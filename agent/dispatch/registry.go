// Package dispatch moves classified envelopes from the session read loop to
// their handlers: a bounded queue with fail-fast admission, a worker pool,
// and a kind-to-handler registry.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftmarket/agent/agent"
	"github.com/driftmarket/agent/agent/pipeline"
)

// Registry maps envelope kinds to handlers. Registration happens during
// startup wiring; dispatch is read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[agent.Kind]pipeline.Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[agent.Kind]pipeline.Handler)}
}

// Register binds a handler to a kind. Registering the same kind twice is a
// wiring bug and returns an error rather than silently replacing.
func (r *Registry) Register(kind agent.Kind, h pipeline.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("handler already registered for kind %q", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Dispatch is the terminal pipeline handler: it routes the envelope to the
// handler registered for its kind.
func (r *Registry) Dispatch(ctx context.Context, env *agent.Envelope) (pipeline.Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return pipeline.Result{Status: agent.StatusFailed, Detail: "no handler for kind"},
			&agent.HandlerError{Kind: env.Kind, Err: fmt.Errorf("no handler registered")}
	}
	return h(ctx, env)
}
