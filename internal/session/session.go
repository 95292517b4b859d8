// Package session provides the top-level facade a caller actually talks
// to: one agent name, one backend, one checkpoint engine, one
// safe-execution orchestrator, all behind a single mutex. Everything in
// internal/dag, internal/recovery, internal/execution, and
// internal/serializer is reachable through here; nothing downstream of
// Session needs to know those packages exist.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/execution"
	"github.com/joss/ckpt/internal/logging"
	"github.com/joss/ckpt/internal/metrics"
	"github.com/joss/ckpt/internal/recovery"
	"github.com/joss/ckpt/internal/value"
)

// ImportError signals that an export document failed validation on load.
type ImportError struct {
	Reason string
}

func (e *ImportError) Error() string { return fmt.Sprintf("session: invalid export document: %s", e.Reason) }
func (e *ImportError) Kind() string  { return "ImportError" }

// Option configures a Session at construction time.
type Option func(*Session)

// WithStrategy sets the recovery strategy SafeExecute consults. Defaults
// to a RetryWithBackoff/DegradeGracefully composite if never set.
func WithStrategy(s recovery.Strategy) Option {
	return func(sess *Session) { sess.strategy = s }
}

// WithMetrics binds the session to a specific Metrics instance instead
// of the process-wide singleton.
func WithMetrics(m *metrics.Metrics) Option {
	return func(sess *Session) { sess.metrics = m }
}

// Session is the outermost container: an agent name, a backend, and
// everything built on top of it. All mutating calls are serialized by
// mu; reads take the companion RWMutex semantics by delegating to the
// already-locked engine underneath, since the engine itself has no
// locking of its own — Session is where the single-writer guarantee
// specified for this substrate actually lives.
type Session struct {
	mu sync.RWMutex

	agent   string
	backend dag.Backend
	engine  *dag.Engine
	exec    *execution.Orchestrator
	metrics *metrics.Metrics
	log     *logging.Logger

	strategy recovery.Strategy
}

// New creates a session bound to backend for agent, applying opts.
func New(ctx context.Context, backend dag.Backend, agent string, opts ...Option) (*Session, error) {
	s := &Session{
		agent:   agent,
		backend: backend,
		log:     logging.New("session").WithAgent(agent),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.Global()
	}
	if s.strategy == nil {
		s.strategy = recovery.Composite{Strategies: []recovery.Strategy{
			recovery.RetryWithBackoff{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second},
			recovery.DegradeGracefully{},
		}}
	}

	engine, err := dag.New(ctx, backend, agent, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.engine = engine
	s.exec = execution.New(engine, s.strategy, s.metrics)
	s.log.Info("session_opened", map[string]interface{}{"branch": engine.CurrentBranch()})
	return s, nil
}

// Checkpoint records a new checkpoint on the current branch.
func (s *Session) Checkpoint(ctx context.Context, state value.Value, metadata map[string]value.Value, description string) (*dag.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Checkpoint(ctx, state, metadata, description)
}

// Rollback resets the current branch's head to toCheckpointID.
func (s *Session) Rollback(ctx context.Context, toCheckpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Rollback(ctx, toCheckpointID)
}

// RollbackSteps resets the current branch's head to the checkpoint steps
// ancestors back from the current head — the steps=N form of Rollback,
// for undoing the last few checkpoints without looking up an id first.
func (s *Session) RollbackSteps(ctx context.Context, steps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.RollbackSteps(ctx, steps)
}

// CreateBranch forks a new branch.
func (s *Session) CreateBranch(ctx context.Context, name, fromCheckpointID string) (*dag.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.CreateBranch(ctx, name, fromCheckpointID)
}

// SwitchBranch selects name as the branch new checkpoints land on.
func (s *Session) SwitchBranch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.SwitchBranch(ctx, name)
}

// Merge merges source into target using strategy to reconcile the two
// branch heads' state.
func (s *Session) Merge(ctx context.Context, source, target string, strategy dag.MergeStrategy) (*dag.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Merge(ctx, source, target, strategy)
}

// DeleteBranch removes a branch other than main or the current branch.
func (s *Session) DeleteBranch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.DeleteBranch(ctx, name)
}

// History returns up to limit checkpoints on branch name, most recent
// first. Read-only; takes the read side of the lock.
func (s *Session) History(ctx context.Context, branch string, limit int) ([]*dag.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.History(ctx, branch, limit)
}

// AllHistory returns every checkpoint across every branch, ordered by
// creation time ascending — the all-branches complement to History, which
// is scoped to one branch's parent chain and ordered newest-first.
func (s *Session) AllHistory(ctx context.Context) ([]*dag.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.AllCheckpoints(ctx)
}

// Get loads a single checkpoint by ID without touching HEAD.
func (s *Session) Get(ctx context.Context, id string) (*dag.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Get(ctx, id)
}

// Branches lists every branch.
func (s *Session) Branches(ctx context.Context) ([]*dag.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Branches(ctx)
}

// Diff compares the state of two checkpoints field by field.
func (s *Session) Diff(ctx context.Context, aID, bID string) (*dag.Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.engine.Get(ctx, aID)
	if err != nil {
		return nil, fmt.Errorf("session: loading %q: %w", aID, err)
	}
	b, err := s.engine.Get(ctx, bID)
	if err != nil {
		return nil, fmt.Errorf("session: loading %q: %w", bID, err)
	}
	return s.engine.Diff(a, b), nil
}

// VisualizeTree renders the full branch/checkpoint DAG as text.
func (s *Session) VisualizeTree(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.VisualizeTree(ctx)
}

// Checkout returns the state of any checkpoint by ID without moving
// HEAD or touching the branch it belongs to — a read-only complement to
// Rollback for inspection tooling that shouldn't mutate the DAG just to
// look at an old value.
func (s *Session) Checkout(ctx context.Context, id string) (value.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, err := s.engine.Get(ctx, id)
	if err != nil {
		return value.Null(), fmt.Errorf("session: checking out %q: %w", id, err)
	}
	return cp.State, nil
}

// SafeExecute runs call under the session's recovery strategy, passing
// through to the execution orchestrator bound to this session's engine.
func (s *Session) SafeExecute(ctx context.Context, call execution.Call, state value.Value, description string, maxRetries int, fallback execution.Fallback) (value.Value, *dag.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec.SafeExecute(ctx, call, state, description, maxRetries, fallback)
}

// Metrics returns a read-only snapshot of this session's counters.
func (s *Session) Metrics() metrics.Snapshot {
	return s.metrics.Snap()
}

// Prune removes rolled_back checkpoints older than cutoff. When
// keepBranchHeads is true, a checkpoint that is some branch's current head
// is kept; when it is false, heads are removed like any other match. This
// is explicitly not garbage collection
// of the whole DAG — merged and active checkpoints are never touched,
// and nothing runs unless the caller asks for it.
func (s *Session) Prune(ctx context.Context, cutoff time.Time, keepBranchHeads bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branches, err := s.engine.Branches(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: listing branches for prune: %w", err)
	}
	heads := make(map[string]bool, len(branches))
	for _, b := range branches {
		if b.HeadID != "" {
			heads[b.HeadID] = true
		}
	}

	all, err := s.engine.AllCheckpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: listing checkpoints for prune: %w", err)
	}

	removed := 0
	for _, cp := range all {
		if cp.Status != dag.StatusRolledBack {
			continue
		}
		if cp.Timestamp.After(cutoff) {
			continue
		}
		if keepBranchHeads && heads[cp.ID] {
			continue
		}
		if err := s.backend.Delete(ctx, cp.ID); err != nil {
			return removed, fmt.Errorf("session: pruning %q: %w", cp.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Close releases the underlying backend.
func (s *Session) Close() error {
	s.log.Info("session_closed", nil)
	return s.backend.Close()
}
