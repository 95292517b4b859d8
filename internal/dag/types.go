// Package dag implements the checkpoint-and-branch engine: an
// append-only, content-addressed DAG of reasoning-state snapshots that
// can be rolled back, branched, and merged.
package dag

import (
	"context"
	"fmt"
	"time"

	"github.com/joss/ckpt/internal/store"
	"github.com/joss/ckpt/internal/value"
)

// Status is a checkpoint's lifecycle state. Both terminal states are
// reachable only from Active; neither transitions to the other.
type Status string

const (
	StatusActive     Status = "active"
	StatusRolledBack Status = "rolled_back"
	StatusMerged     Status = "merged"
)

// MainBranch is the name of the branch every new session starts on.
const MainBranch = "main"

// MergeStrategy selects how Merge reconciles a source branch head with a
// target branch head when the two disagree.
type MergeStrategy string

const (
	// MergeStrategyPreferSource takes the source head's state verbatim.
	MergeStrategyPreferSource MergeStrategy = "prefer_source"
	// MergeStrategyPreferTarget takes the target head's state verbatim.
	MergeStrategyPreferTarget MergeStrategy = "prefer_target"
	// MergeStrategyCombine shallow key-unions both states; on key
	// conflicts the target (current) head wins.
	MergeStrategyCombine MergeStrategy = "combine"
	// MergeStrategyPreferHigherConfidence takes the whole state of
	// whichever head has the greater metadata.confidence; ties favor
	// the target (current) head.
	MergeStrategyPreferHigherConfidence MergeStrategy = "prefer_higher_confidence"
)

// Checkpoint is one immutable node in the DAG: a snapshot of reasoning
// state at a point in an agent's run. The json tags fix the on-disk shape
// the file-tree backend writes one-for-one; Agent is excluded from that
// shape (carried for in-process audit/filtering only) since a checkpoint
// file's keys are a documented stability surface and agent scoping is
// already handled at the session/backend level, not per checkpoint.
type Checkpoint struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	State       value.Value            `json:"state"`
	Metadata    map[string]value.Value `json:"metadata"`
	Description string                 `json:"description"`
	LogicStep   int                    `json:"logic_step"`
	Branch      string                 `json:"branch"`
	ParentID    string                 `json:"parent_id"` // empty for the first checkpoint of a session
	Status      Status                 `json:"status"`
	Fingerprint string                 `json:"fingerprint"`
	Agent       string                 `json:"-"`
}

// Branch tracks the current head of one line of checkpoints.
type Branch struct {
	Name        string    `json:"name"`
	HeadID      string    `json:"head_id"`
	CreatedFrom string    `json:"created_from"` // checkpoint ID this branch forked from, empty for main
	IsCurrent   bool      `json:"is_current"`
	CreatedAt   time.Time `json:"created_at"`
}

// Backend is the persistence interface the engine drives. Every method
// must be safe for concurrent use by independent *Engine callers sharing
// the same backend.
type Backend interface {
	Put(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context, filter store.Filter) ([]*Checkpoint, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, id string) error

	PutBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, name string) (*Branch, error)
	ListBranches(ctx context.Context) ([]*Branch, error)
	DeleteBranch(ctx context.Context, name string) error

	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// RollbackError describes a failed rollback attempt.
type RollbackError struct {
	CheckpointID string
	Reason       string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback to %s failed: %s", e.CheckpointID, e.Reason)
}

func (e *RollbackError) Kind() string { return "RollbackError" }

// BranchError describes a failed branch operation.
type BranchError struct {
	Branch string
	Reason string
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("branch %q: %s", e.Branch, e.Reason)
}

func (e *BranchError) Kind() string { return "BranchError" }

// MergeError describes a failed merge operation.
type MergeError struct {
	From, Into string
	Reason     string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %q into %q failed: %s", e.From, e.Into, e.Reason)
}

func (e *MergeError) Kind() string { return "MergeError" }
