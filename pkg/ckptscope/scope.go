// Package ckptscope provides a scoped checkpoint/rollback pair for callers
// who want context-manager-style usage instead of calling Checkpoint and
// Rollback directly: enter a scope before a risky block, close it with the
// block's error, and the session rolls back automatically on failure.
package ckptscope

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/session"
	"github.com/joss/ckpt/internal/value"
)

// Option configures a Scope at construction time.
type Option func(*Scope)

// WithDescription sets the checkpoint description Enter records. Defaults
// to "scope".
func WithDescription(d string) Option {
	return func(s *Scope) { s.description = d }
}

// Scope ties a correlation id, independent of any checkpoint's ULID, to a
// single entry/exit pair around a block of work.
type Scope struct {
	id          string
	session     *session.Session
	description string
	entry       *dag.Checkpoint
}

// New creates a Scope bound to sess, applying opts.
func New(sess *session.Session, opts ...Option) *Scope {
	s := &Scope{
		id:          uuid.NewString(),
		session:     sess,
		description: "scope",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns this scope's correlation id, for threading through logs
// alongside whatever checkpoint ids Enter and the block itself produce.
func (s *Scope) ID() string { return s.id }

// Enter checkpoints state, tagging it with this scope's correlation id,
// and remembers the result as the point Close rolls back to on failure.
func (s *Scope) Enter(ctx context.Context, state value.Value) (value.Value, error) {
	cp, err := s.session.Checkpoint(ctx, state, map[string]value.Value{"scope_id": value.String(s.id)}, s.description)
	if err != nil {
		return value.Null(), fmt.Errorf("ckptscope: entering %q: %w", s.id, err)
	}
	s.entry = cp
	return cp.State, nil
}

// Close rolls the session back to this scope's entry checkpoint if cause
// is non-nil. A nil cause is a no-op: whatever the block itself
// checkpointed stands. Close before a successful Enter is also a no-op.
func (s *Scope) Close(ctx context.Context, cause error) error {
	if cause == nil || s.entry == nil {
		return nil
	}
	if err := s.session.Rollback(ctx, s.entry.ID); err != nil {
		return fmt.Errorf("ckptscope: closing %q after %v: %w", s.id, cause, err)
	}
	return nil
}
