// Package ckptdecorator provides a curried, decorator-style wrapper over
// SafeExecute: bind a session and its recovery parameters once, then
// apply the result to any number of calls instead of threading those
// parameters through every call site.
package ckptdecorator

import (
	"context"

	"github.com/joss/ckpt/internal/execution"
	"github.com/joss/ckpt/internal/session"
	"github.com/joss/ckpt/internal/value"
)

// Decorate is the function SafeExecute returns: given a description and a
// Call, it produces a Call that runs the original under the bound
// session's checkpoint/recovery protocol.
type Decorate func(description string, call execution.Call) execution.Call

// SafeExecute binds sess, maxRetries, and fallback once and returns a
// Decorate that closes over them, so the repeated arguments at every
// SafeExecute call site collapse to a single call wrapped at setup time.
func SafeExecute(sess *session.Session, maxRetries int, fallback execution.Fallback) Decorate {
	return func(description string, call execution.Call) execution.Call {
		return func(ctx context.Context, state value.Value) (value.Value, error) {
			result, _, err := sess.SafeExecute(ctx, call, state, description, maxRetries, fallback)
			return result, err
		}
	}
}
