package dag

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joss/ckpt/internal/logging"
	"github.com/joss/ckpt/internal/metrics"
	"github.com/joss/ckpt/internal/serializer"
	"github.com/joss/ckpt/internal/store"
	"github.com/joss/ckpt/internal/value"
)

// Engine drives checkpoint creation, rollback, branching, and merging
// against a Backend. It keeps no checkpoint state of its own beyond the
// name of the currently selected branch; everything else is read back
// from the backend on every call, so an Engine is cheap to construct and
// safe to discard.
type Engine struct {
	backend Backend
	agent   string
	metrics *metrics.Metrics
	log     *logging.Logger

	currentBranch string
}

// New creates an engine bound to backend, ensuring the main branch
// exists. agent is attached to every checkpoint this engine creates, for
// the audit trail.
func New(ctx context.Context, backend Backend, agent string, m *metrics.Metrics) (*Engine, error) {
	if m == nil {
		m = metrics.Global()
	}
	e := &Engine{
		backend:       backend,
		agent:         agent,
		metrics:       m,
		log:           logging.New("dag").WithAgent(agent),
		currentBranch: MainBranch,
	}

	main, err := backend.GetBranch(ctx, MainBranch)
	if err != nil {
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("dag: checking main branch: %w", err)
		}
		if err := backend.PutBranch(ctx, &Branch{
			Name:      MainBranch,
			IsCurrent: true,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("dag: creating main branch: %w", err)
		}
		return e, nil
	}

	// Reopening an existing store: if some other branch was left marked
	// current, resume on it instead of defaulting back to main.
	if !main.IsCurrent {
		branches, err := backend.ListBranches(ctx)
		if err != nil {
			return nil, fmt.Errorf("dag: listing branches: %w", err)
		}
		for _, b := range branches {
			if b.IsCurrent {
				e.currentBranch = b.Name
				break
			}
		}
	}
	return e, nil
}

// CurrentBranch returns the name of the branch new checkpoints land on.
func (e *Engine) CurrentBranch() string {
	return e.currentBranch
}

// Checkpoint appends a new checkpoint to the current branch, parented on
// that branch's current head (or starting a fresh chain if the branch has
// no head yet).
func (e *Engine) Checkpoint(ctx context.Context, state value.Value, metadata map[string]value.Value, description string) (*Checkpoint, error) {
	branch, err := e.backend.GetBranch(ctx, e.currentBranch)
	if err != nil {
		return nil, fmt.Errorf("dag: loading branch %q: %w", e.currentBranch, err)
	}

	logicStep := 0
	if branch.HeadID != "" {
		parent, err := e.backend.Get(ctx, branch.HeadID)
		if err != nil {
			return nil, fmt.Errorf("dag: loading parent %q: %w", branch.HeadID, err)
		}
		logicStep = parent.LogicStep + 1
	}

	cp := &Checkpoint{
		ID:          ulid.Make().String(),
		Timestamp:   time.Now().UTC(),
		State:       state,
		Metadata:    metadata,
		Description: description,
		LogicStep:   logicStep,
		Branch:      e.currentBranch,
		ParentID:    branch.HeadID,
		Status:      StatusActive,
		Fingerprint: serializer.Fingerprint(state),
		Agent:       e.agent,
	}

	if err := e.backend.Put(ctx, cp); err != nil {
		e.metrics.RecordBackendWrite(false)
		e.log.Error("create", nil, err)
		return nil, fmt.Errorf("dag: storing checkpoint: %w", err)
	}
	e.metrics.RecordBackendWrite(true)

	branch.HeadID = cp.ID
	if err := e.backend.PutBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("dag: advancing branch head: %w", err)
	}

	e.metrics.RecordCheckpointCreated()
	e.log.WithBranch(e.currentBranch).Info("create", map[string]any{"checkpoint_id": cp.ID, "logic_step": cp.LogicStep})
	return cp, nil
}

// Rollback moves the current branch's head back to toCheckpointID,
// marking every active checkpoint strictly between the old head and toID
// (on the path actually walked, exclusive of toID itself) as rolled back;
// checkpoints on that path already marked merged keep that status. It is
// an error if toCheckpointID is not an ancestor of the current head
// reachable by walking parent_id. toCheckpointID may belong to a
// different branch than the one rolled back from (it was the fork
// point some descendant branch was created from); when it does, the
// engine implicitly switches the current branch to toCheckpointID's
// branch after resetting the original branch's head.
func (e *Engine) Rollback(ctx context.Context, toCheckpointID string) error {
	branch, err := e.backend.GetBranch(ctx, e.currentBranch)
	if err != nil {
		return fmt.Errorf("dag: loading branch %q: %w", e.currentBranch, err)
	}
	if branch.HeadID == "" {
		return &RollbackError{CheckpointID: toCheckpointID, Reason: "branch has no checkpoints"}
	}

	target, err := e.backend.Get(ctx, toCheckpointID)
	if err != nil {
		if store.IsNotFound(err) {
			return &RollbackError{CheckpointID: toCheckpointID, Reason: "checkpoint does not exist"}
		}
		return fmt.Errorf("dag: loading rollback target: %w", err)
	}

	var toMark []string
	cursor := branch.HeadID
	found := cursor == toCheckpointID
	for !found {
		cp, err := e.backend.Get(ctx, cursor)
		if err != nil {
			return fmt.Errorf("dag: walking rollback path: %w", err)
		}
		if cp.ParentID == "" {
			return &RollbackError{CheckpointID: toCheckpointID, Reason: "not an ancestor of the current head"}
		}
		if cp.Status == StatusActive {
			toMark = append(toMark, cp.ID)
		}
		cursor = cp.ParentID
		found = cursor == toCheckpointID
	}

	for _, id := range toMark {
		if err := e.backend.UpdateStatus(ctx, id, StatusRolledBack); err != nil {
			return fmt.Errorf("dag: marking %q rolled back: %w", id, err)
		}
	}

	originalBranch := e.currentBranch
	branch.HeadID = toCheckpointID
	if err := e.backend.PutBranch(ctx, branch); err != nil {
		return fmt.Errorf("dag: resetting branch head: %w", err)
	}
	if target.Branch != "" && target.Branch != originalBranch {
		targetBranch, err := e.backend.GetBranch(ctx, target.Branch)
		if err != nil {
			return fmt.Errorf("dag: loading rollback target branch: %w", err)
		}
		if err := e.setCurrentBranch(ctx, targetBranch); err != nil {
			return err
		}
	}

	e.metrics.RecordRollback()
	e.log.WithBranch(originalBranch).Info("rollback", map[string]any{"to": toCheckpointID, "marked": len(toMark), "now_on": e.currentBranch})
	return nil
}

// RollbackSteps walks up parent_id steps times from the current branch's
// head and rolls back to the checkpoint reached, the way Rollback does for
// an explicit id — this is the steps-based form of the same operation,
// for callers that want "undo the last N checkpoints" without looking up
// an id first. steps must be at least 1.
func (e *Engine) RollbackSteps(ctx context.Context, steps int) error {
	if steps < 1 {
		return &RollbackError{Reason: "steps must be at least 1"}
	}

	branch, err := e.backend.GetBranch(ctx, e.currentBranch)
	if err != nil {
		return fmt.Errorf("dag: loading branch %q: %w", e.currentBranch, err)
	}
	if branch.HeadID == "" {
		return &RollbackError{Reason: "branch has no checkpoints"}
	}

	cursor := branch.HeadID
	for i := 0; i < steps; i++ {
		cp, err := e.backend.Get(ctx, cursor)
		if err != nil {
			return fmt.Errorf("dag: walking rollback path: %w", err)
		}
		if cp.ParentID == "" {
			return &RollbackError{CheckpointID: cursor, Reason: fmt.Sprintf("fewer than %d ancestors from current head", steps)}
		}
		cursor = cp.ParentID
	}
	return e.Rollback(ctx, cursor)
}

// CreateBranch forks a new branch from fromCheckpointID (or the current
// branch's head, if fromCheckpointID is empty), without switching to it.
func (e *Engine) CreateBranch(ctx context.Context, name, fromCheckpointID string) (*Branch, error) {
	if name == "" {
		return nil, &BranchError{Branch: name, Reason: "branch name must not be empty"}
	}
	if _, err := e.backend.GetBranch(ctx, name); err == nil {
		return nil, &BranchError{Branch: name, Reason: "branch already exists"}
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("dag: checking branch %q: %w", name, err)
	}

	if fromCheckpointID == "" {
		current, err := e.backend.GetBranch(ctx, e.currentBranch)
		if err != nil {
			return nil, fmt.Errorf("dag: loading current branch: %w", err)
		}
		fromCheckpointID = current.HeadID
	} else if _, err := e.backend.Get(ctx, fromCheckpointID); err != nil {
		if store.IsNotFound(err) {
			return nil, &BranchError{Branch: name, Reason: "fork point checkpoint does not exist"}
		}
		return nil, fmt.Errorf("dag: loading fork point: %w", err)
	}

	b := &Branch{
		Name:        name,
		HeadID:      fromCheckpointID,
		CreatedFrom: fromCheckpointID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.backend.PutBranch(ctx, b); err != nil {
		return nil, fmt.Errorf("dag: storing branch %q: %w", name, err)
	}
	return b, nil
}

// SwitchBranch changes the branch new checkpoints land on.
func (e *Engine) SwitchBranch(ctx context.Context, name string) error {
	target, err := e.backend.GetBranch(ctx, name)
	if err != nil {
		if store.IsNotFound(err) {
			return &BranchError{Branch: name, Reason: "branch does not exist"}
		}
		return fmt.Errorf("dag: loading branch %q: %w", name, err)
	}
	return e.setCurrentBranch(ctx, target)
}

// setCurrentBranch clears is_current on the previously selected branch,
// sets it on target, and updates currentBranch, so a reopened store can
// resume on whatever branch was selected when it was last closed instead
// of always defaulting back to main.
func (e *Engine) setCurrentBranch(ctx context.Context, target *Branch) error {
	if target.Name == e.currentBranch {
		return nil
	}
	if old, err := e.backend.GetBranch(ctx, e.currentBranch); err == nil {
		old.IsCurrent = false
		if err := e.backend.PutBranch(ctx, old); err != nil {
			return fmt.Errorf("dag: clearing current flag on %q: %w", e.currentBranch, err)
		}
	} else if !store.IsNotFound(err) {
		return fmt.Errorf("dag: loading previous branch %q: %w", e.currentBranch, err)
	}
	target.IsCurrent = true
	if err := e.backend.PutBranch(ctx, target); err != nil {
		return fmt.Errorf("dag: setting current flag on %q: %w", target.Name, err)
	}
	e.currentBranch = target.Name
	return nil
}

// Merge folds source's head checkpoint into target: it appends a new
// checkpoint on target whose state is chosen by strategy, marks both
// pre-merge heads as merged, and leaves the source branch itself intact
// (a caller that wants the branch gone calls DeleteBranch separately).
// The new checkpoint's metadata always records merged_from: the source
// head's id.
func (e *Engine) Merge(ctx context.Context, source, target string, strategy MergeStrategy) (*Checkpoint, error) {
	sourceBranch, err := e.backend.GetBranch(ctx, source)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &MergeError{From: source, Into: target, Reason: "source branch does not exist"}
		}
		return nil, fmt.Errorf("dag: loading source branch: %w", err)
	}
	if sourceBranch.HeadID == "" {
		return nil, &MergeError{From: source, Into: target, Reason: "source branch has no checkpoints"}
	}

	targetBranch, err := e.backend.GetBranch(ctx, target)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &MergeError{From: source, Into: target, Reason: "target branch does not exist"}
		}
		return nil, fmt.Errorf("dag: loading target branch: %w", err)
	}

	sourceHead, err := e.backend.Get(ctx, sourceBranch.HeadID)
	if err != nil {
		return nil, fmt.Errorf("dag: loading source head: %w", err)
	}

	var targetHead *Checkpoint
	logicStep := 0
	if targetBranch.HeadID != "" {
		targetHead, err = e.backend.Get(ctx, targetBranch.HeadID)
		if err != nil {
			return nil, fmt.Errorf("dag: loading target head: %w", err)
		}
		logicStep = targetHead.LogicStep + 1
	}

	state, metadata := mergeState(strategy, sourceHead, targetHead)
	metadata["merged_from"] = value.String(sourceHead.ID)

	merged := &Checkpoint{
		ID:          ulid.Make().String(),
		Timestamp:   time.Now().UTC(),
		State:       state,
		Metadata:    metadata,
		Description: fmt.Sprintf("merge %s into %s (%s)", source, target, strategy),
		LogicStep:   logicStep,
		Branch:      target,
		ParentID:    targetBranch.HeadID,
		Status:      StatusActive,
		Fingerprint: serializer.Fingerprint(state),
		Agent:       e.agent,
	}

	if err := e.backend.Put(ctx, merged); err != nil {
		return nil, fmt.Errorf("dag: storing merge checkpoint: %w", err)
	}

	targetBranch.HeadID = merged.ID
	if err := e.backend.PutBranch(ctx, targetBranch); err != nil {
		return nil, fmt.Errorf("dag: advancing target head: %w", err)
	}

	if err := e.backend.UpdateStatus(ctx, sourceHead.ID, StatusMerged); err != nil {
		return nil, fmt.Errorf("dag: marking source head merged: %w", err)
	}
	if targetHead != nil {
		if err := e.backend.UpdateStatus(ctx, targetHead.ID, StatusMerged); err != nil {
			return nil, fmt.Errorf("dag: marking target head merged: %w", err)
		}
	}

	e.metrics.RecordMerge()
	e.log.Info("merge", map[string]any{"from": source, "into": target, "strategy": string(strategy), "checkpoint_id": merged.ID})
	return merged, nil
}

// mergeState applies strategy to source's and target's pre-merge head
// checkpoints, returning the chosen state and a fresh copy of the
// corresponding metadata map for the caller to add merged_from to.
// target is nil when the target branch has no checkpoints yet, in which
// case every strategy falls back to the source head.
func mergeState(strategy MergeStrategy, source, target *Checkpoint) (value.Value, map[string]value.Value) {
	if target == nil {
		return source.State, copyMetadata(source.Metadata)
	}
	switch strategy {
	case MergeStrategyPreferTarget:
		return target.State, copyMetadata(target.Metadata)
	case MergeStrategyCombine:
		return combineStates(source.State, target.State), copyMetadata(target.Metadata)
	case MergeStrategyPreferHigherConfidence:
		if confidenceOf(source.Metadata) > confidenceOf(target.Metadata) {
			return source.State, copyMetadata(source.Metadata)
		}
		return target.State, copyMetadata(target.Metadata)
	default: // MergeStrategyPreferSource
		return source.State, copyMetadata(source.Metadata)
	}
}

// combineStates shallow key-unions two map states; on key conflicts
// target (the current branch's pre-merge head) wins. A state that isn't
// a map is treated as opaque and target wins outright.
func combineStates(source, target value.Value) value.Value {
	sm, sok := source.AsMap()
	tm, tok := target.AsMap()
	if !sok || !tok {
		return target
	}
	out := make(map[string]value.Value, len(sm)+len(tm))
	for k, v := range sm {
		out[k] = v
	}
	for k, v := range tm {
		out[k] = v
	}
	return value.Map(out)
}

// confidenceOf reads metadata["confidence"] as a number, defaulting to 0
// when the key is absent or not a number.
func confidenceOf(metadata map[string]value.Value) float64 {
	v, ok := metadata["confidence"]
	if !ok {
		return 0
	}
	n, _ := v.AsNumber()
	return n
}

// copyMetadata returns a fresh copy of metadata so callers can add keys
// without mutating a checkpoint already stored in the backend.
func copyMetadata(metadata map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

// History returns up to limit checkpoints on branch name, most recent
// first, walking parent links from the branch head. limit <= 0 means no
// limit. This is deliberately newest-first rather than timestamp-ascending:
// it's a backward walk from the head, the natural direction for "what led
// here", and every caller (CLI log, render.History) wants the head on top.
// AllCheckpoints is the ascending, all-branches complement for callers
// that want creation order across the whole DAG instead of one branch's
// lineage.
func (e *Engine) History(ctx context.Context, name string, limit int) ([]*Checkpoint, error) {
	b, err := e.backend.GetBranch(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dag: loading branch %q: %w", name, err)
	}

	var out []*Checkpoint
	cursor := b.HeadID
	for cursor != "" {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp, err := e.backend.Get(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("dag: walking history: %w", err)
		}
		out = append(out, cp)
		cursor = cp.ParentID
	}
	return out, nil
}

// Get loads a single checkpoint by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Checkpoint, error) {
	return e.backend.Get(ctx, id)
}

// AllCheckpoints returns every checkpoint across every branch, ordered by
// creation time ascending. Used by the session façade for export and
// prune, which both need a view that isn't scoped to one branch's parent
// chain the way History is.
func (e *Engine) AllCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	return e.backend.List(ctx, store.Filter{})
}

// Branches lists every branch.
func (e *Engine) Branches(ctx context.Context) ([]*Branch, error) {
	return e.backend.ListBranches(ctx)
}

// DeleteBranch removes a branch. It refuses to delete the branch
// currently selected on this engine.
func (e *Engine) DeleteBranch(ctx context.Context, name string) error {
	if name == e.currentBranch {
		return &BranchError{Branch: name, Reason: "cannot delete the currently selected branch"}
	}
	if name == MainBranch {
		return &BranchError{Branch: name, Reason: "cannot delete the main branch"}
	}
	return e.backend.DeleteBranch(ctx, name)
}
