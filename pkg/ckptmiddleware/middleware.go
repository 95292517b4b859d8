// Package ckptmiddleware defines a small wrapper interface over
// execution.Call plus a registry for assembling named chains of them, the
// same small-interface/registry shape the checkpoint substrate's host
// repo uses for its own provider lookup.
package ckptmiddleware

import (
	"context"

	"github.com/joss/ckpt/internal/execution"
	"github.com/joss/ckpt/internal/session"
	"github.com/joss/ckpt/internal/value"
)

// Wrapper decorates a Call with some cross-cutting behavior. label
// identifies the call for logging or metrics the wrapper records.
type Wrapper interface {
	Wrap(call execution.Call, label string) execution.Call
}

// Chain composes wrappers so the first one listed is the outermost layer
// a caller's Call passes through.
type Chain []Wrapper

func (c Chain) Wrap(call execution.Call, label string) execution.Call {
	for i := len(c) - 1; i >= 0; i-- {
		call = c[i].Wrap(call, label)
	}
	return call
}

// Registry holds named wrappers so a caller can assemble a chain by name
// instead of importing every wrapper's package directly.
type Registry struct {
	wrappers map[string]Wrapper
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{wrappers: make(map[string]Wrapper)}
}

// Register adds a wrapper under name, replacing any existing one there.
func (r *Registry) Register(name string, w Wrapper) {
	r.wrappers[name] = w
}

// Get returns the wrapper registered under name, if any.
func (r *Registry) Get(name string) (Wrapper, bool) {
	w, ok := r.wrappers[name]
	return w, ok
}

// SafeExecuteWrapper wraps a Call so every invocation itself runs under a
// session's checkpoint/recovery protocol, turning one call into a
// self-checkpointing unit inside a larger chain.
type SafeExecuteWrapper struct {
	Session    *session.Session
	MaxRetries int
	Fallback   execution.Fallback
}

func (w SafeExecuteWrapper) Wrap(call execution.Call, label string) execution.Call {
	return func(ctx context.Context, state value.Value) (value.Value, error) {
		result, _, err := w.Session.SafeExecute(ctx, call, state, label, w.MaxRetries, w.Fallback)
		return result, err
	}
}
