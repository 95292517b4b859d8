package dag_test

import (
	"context"
	"testing"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/metrics"
	"github.com/joss/ckpt/internal/store/memstore"
	"github.com/joss/ckpt/internal/value"
)

type Engine = dag.Engine
type Checkpoint = dag.Checkpoint
type RollbackError = dag.RollbackError
type MergeError = dag.MergeError

const MainBranch = dag.MainBranch

var New = dag.New

const (
	StatusRolledBack = dag.StatusRolledBack
	StatusActive     = dag.StatusActive
	StatusMerged     = dag.StatusMerged
)

const (
	MergeStrategyPreferSource           = dag.MergeStrategyPreferSource
	MergeStrategyPreferTarget           = dag.MergeStrategyPreferTarget
	MergeStrategyPreferHigherConfidence = dag.MergeStrategyPreferHigherConfidence
	MergeStrategyCombine                = dag.MergeStrategyCombine
)

func getBranch(t *testing.T, e *Engine, ctx context.Context, name string) *dag.Branch {
	t.Helper()
	branches, err := e.Branches(ctx)
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	for _, b := range branches {
		if b.Name == name {
			return b
		}
	}
	t.Fatalf("branch %q not found", name)
	return nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(context.Background(), memstore.New(), "tester", metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewCreatesMainBranch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	b := getBranch(t, e, ctx, MainBranch)
	if b.HeadID != "" {
		t.Errorf("fresh main branch should have no head, got %q", b.HeadID)
	}
	if e.CurrentBranch() != MainBranch {
		t.Errorf("CurrentBranch() = %s, want %s", e.CurrentBranch(), MainBranch)
	}
}

func TestCheckpointChainsOnParent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Checkpoint(ctx, value.Number(1), nil, "step one")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if first.ParentID != "" {
		t.Errorf("first checkpoint should have no parent, got %q", first.ParentID)
	}
	if first.LogicStep != 0 {
		t.Errorf("first checkpoint LogicStep = %d, want 0", first.LogicStep)
	}

	second, err := e.Checkpoint(ctx, value.Number(2), nil, "step two")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if second.ParentID != first.ID {
		t.Errorf("second checkpoint ParentID = %s, want %s", second.ParentID, first.ID)
	}
	if second.LogicStep != 1 {
		t.Errorf("second checkpoint LogicStep = %d, want 1", second.LogicStep)
	}

	branch := getBranch(t, e, ctx, MainBranch)
	if branch.HeadID != second.ID {
		t.Errorf("branch head = %s, want %s", branch.HeadID, second.ID)
	}
}

func TestRollbackMarksOnlyWalkedPath(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.Checkpoint(ctx, value.Number(1), nil, "a")
	b, _ := e.Checkpoint(ctx, value.Number(2), nil, "b")
	c, _ := e.Checkpoint(ctx, value.Number(3), nil, "c")

	if err := e.Rollback(ctx, a.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	gotB, err := e.Get(ctx, b.ID)
	if err != nil || gotB.Status != StatusRolledBack {
		t.Errorf("checkpoint b should be rolled back, got status %v (err=%v)", gotB.Status, err)
	}
	gotC, err := e.Get(ctx, c.ID)
	if err != nil || gotC.Status != StatusRolledBack {
		t.Errorf("checkpoint c should be rolled back, got status %v (err=%v)", gotC.Status, err)
	}
	gotA, err := e.Get(ctx, a.ID)
	if err != nil || gotA.Status != StatusActive {
		t.Errorf("rollback target a should remain active, got status %v (err=%v)", gotA.Status, err)
	}

	branch := getBranch(t, e, ctx, MainBranch)
	if branch.HeadID != a.ID {
		t.Errorf("branch head after rollback = %s, want %s", branch.HeadID, a.ID)
	}
}

func TestRollbackRejectsNonAncestor(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.Checkpoint(ctx, value.Number(1), nil, "a")
	_, err := e.CreateBranch(ctx, "side", "")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := e.SwitchBranch(ctx, "side"); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	sideCp, err := e.Checkpoint(ctx, value.Number(2), nil, "side step")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if err := e.SwitchBranch(ctx, MainBranch); err != nil {
		t.Fatalf("SwitchBranch back: %v", err)
	}
	err = e.Rollback(ctx, sideCp.ID)
	if err == nil {
		t.Fatal("expected RollbackError when target is not an ancestor of the current head")
	}
	if _, ok := err.(*RollbackError); !ok {
		t.Errorf("expected *RollbackError, got %T: %v", err, err)
	}
}

func TestRollbackStepsWalksBackNFromHead(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.Checkpoint(ctx, value.Number(1), nil, "a")
	e.Checkpoint(ctx, value.Number(2), nil, "b")
	e.Checkpoint(ctx, value.Number(3), nil, "c")

	if err := e.RollbackSteps(ctx, 2); err != nil {
		t.Fatalf("RollbackSteps: %v", err)
	}

	branch := getBranch(t, e, ctx, MainBranch)
	if branch.HeadID != a.ID {
		t.Errorf("branch head after RollbackSteps(2) = %s, want %s", branch.HeadID, a.ID)
	}
}

func TestRollbackStepsDefaultIsOne(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.Checkpoint(ctx, value.Number(1), nil, "a")
	e.Checkpoint(ctx, value.Number(2), nil, "b")

	if err := e.RollbackSteps(ctx, 1); err != nil {
		t.Fatalf("RollbackSteps: %v", err)
	}
	branch := getBranch(t, e, ctx, MainBranch)
	if branch.HeadID != a.ID {
		t.Errorf("branch head after RollbackSteps(1) = %s, want %s", branch.HeadID, a.ID)
	}
}

func TestRollbackStepsRejectsTooFar(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Checkpoint(ctx, value.Number(1), nil, "a")

	err := e.RollbackSteps(ctx, 5)
	if _, ok := err.(*RollbackError); !ok {
		t.Errorf("expected *RollbackError when steps exceeds ancestor count, got %T: %v", err, err)
	}
}

func TestSwitchBranchPersistsIsCurrent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Checkpoint(ctx, value.Number(1), nil, "root")
	e.CreateBranch(ctx, "feature", "")

	if err := e.SwitchBranch(ctx, "feature"); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	mainBranch := getBranch(t, e, ctx, MainBranch)
	if mainBranch.IsCurrent {
		t.Error("main should no longer be marked current after switching away")
	}
	featureBranch := getBranch(t, e, ctx, "feature")
	if !featureBranch.IsCurrent {
		t.Error("feature should be marked current after switching to it")
	}
}

func TestReopenResumesOnPersistedCurrentBranch(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()

	e1, err := New(ctx, backend, "tester", metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e1.Checkpoint(ctx, value.Number(1), nil, "root")
	e1.CreateBranch(ctx, "feature", "")
	if err := e1.SwitchBranch(ctx, "feature"); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	e2, err := New(ctx, backend, "tester", metrics.New())
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	if e2.CurrentBranch() != "feature" {
		t.Errorf("reopened engine CurrentBranch() = %s, want feature", e2.CurrentBranch())
	}
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Checkpoint(ctx, value.Number(1), nil, "a")

	err := e.Rollback(ctx, "nonexistent")
	if _, ok := err.(*RollbackError); !ok {
		t.Errorf("expected *RollbackError, got %T: %v", err, err)
	}
}

func TestCreateBranchAndSwitch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	root, _ := e.Checkpoint(ctx, value.Number(1), nil, "root")

	b, err := e.CreateBranch(ctx, "feature", root.ID)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if b.HeadID != root.ID || b.CreatedFrom != root.ID {
		t.Errorf("new branch = %+v, want HeadID and CreatedFrom = %s", b, root.ID)
	}

	if e.CurrentBranch() != MainBranch {
		t.Errorf("CreateBranch should not switch branches")
	}

	if err := e.SwitchBranch(ctx, "feature"); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	if e.CurrentBranch() != "feature" {
		t.Errorf("CurrentBranch() after switch = %s, want feature", e.CurrentBranch())
	}

	cp, err := e.Checkpoint(ctx, value.Number(2), nil, "on feature")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.ParentID != root.ID {
		t.Errorf("feature checkpoint ParentID = %s, want %s", cp.ParentID, root.ID)
	}
}

func TestCreateBranchDuplicateRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Checkpoint(ctx, value.Number(1), nil, "root")

	if _, err := e.CreateBranch(ctx, "dup", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if _, err := e.CreateBranch(ctx, "dup", ""); err == nil {
		t.Fatal("expected error creating a branch with a name already in use")
	}
}

func TestMergeAppendsToTargetAndMarksBothHeadsMerged(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	root, _ := e.Checkpoint(ctx, value.Number(1), nil, "root")
	mainHead, err := e.Checkpoint(ctx, value.Number(2), nil, "main work")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	e.CreateBranch(ctx, "feature", root.ID)
	e.SwitchBranch(ctx, "feature")
	featureHead, err := e.Checkpoint(ctx, value.Number(99), nil, "feature work")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	e.SwitchBranch(ctx, MainBranch)

	merged, err := e.Merge(ctx, "feature", MainBranch, MergeStrategyPreferSource)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !merged.State.Equal(featureHead.State) {
		t.Errorf("merged state = %v, want %v", merged.State, featureHead.State)
	}
	if merged.Branch != MainBranch {
		t.Errorf("merged checkpoint branch = %s, want %s", merged.Branch, MainBranch)
	}
	got, ok := merged.Metadata["merged_from"]
	if !ok {
		t.Fatal("merged checkpoint missing merged_from metadata")
	}
	if s, _ := got.AsString(); s != featureHead.ID {
		t.Errorf("merged_from = %q, want %q (source head id)", s, featureHead.ID)
	}

	gotSource, err := e.Get(ctx, featureHead.ID)
	if err != nil || gotSource.Status != StatusMerged {
		t.Errorf("source head should be marked merged, got status %v (err=%v)", gotSource.Status, err)
	}
	gotTarget, err := e.Get(ctx, mainHead.ID)
	if err != nil || gotTarget.Status != StatusMerged {
		t.Errorf("pre-merge target head should be marked merged, got status %v (err=%v)", gotTarget.Status, err)
	}

	branch := getBranch(t, e, ctx, MainBranch)
	if branch.HeadID != merged.ID {
		t.Errorf("main branch head after merge = %s, want %s", branch.HeadID, merged.ID)
	}
}

func TestMergeEmptySourceRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.CreateBranch(ctx, "empty", "")

	_, err := e.Merge(ctx, "empty", MainBranch, MergeStrategyPreferSource)
	if _, ok := err.(*MergeError); !ok {
		t.Errorf("expected *MergeError for empty source branch, got %T: %v", err, err)
	}
}

// TestMergeStrategies covers all four selectable strategies against the
// same cache-vs-live fork: a branch "alt" checkpoints a cached result at
// confidence 0.75, main checkpoints a freshly retrieved result at
// confidence 0.95.
func TestMergeStrategies(t *testing.T) {
	newFork := func(t *testing.T) (e *Engine, altHead, mainHead *Checkpoint) {
		e = newTestEngine(t)
		ctx := context.Background()

		root, _ := e.Checkpoint(ctx, value.Map(map[string]value.Value{"step": value.Number(1)}), nil, "root")
		e.CreateBranch(ctx, "alt", root.ID)
		e.SwitchBranch(ctx, "alt")
		altHead, err := e.Checkpoint(ctx,
			value.Map(map[string]value.Value{"step": value.Number(1), "source": value.String("cache")}),
			map[string]value.Value{"confidence": value.Number(0.75)}, "cached")
		if err != nil {
			t.Fatalf("Checkpoint(alt): %v", err)
		}
		e.SwitchBranch(ctx, MainBranch)
		mainHead, err = e.Checkpoint(ctx,
			value.Map(map[string]value.Value{"step": value.Number(1), "source": value.String("live")}),
			map[string]value.Value{"confidence": value.Number(0.95)}, "live")
		if err != nil {
			t.Fatalf("Checkpoint(main): %v", err)
		}
		return e, altHead, mainHead
	}

	t.Run("prefer_source", func(t *testing.T) {
		e, altHead, _ := newFork(t)
		merged, err := e.Merge(context.Background(), "alt", MainBranch, MergeStrategyPreferSource)
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if !merged.State.Equal(altHead.State) {
			t.Errorf("state = %v, want source head's state %v", merged.State, altHead.State)
		}
	})

	t.Run("prefer_target", func(t *testing.T) {
		e, _, mainHead := newFork(t)
		merged, err := e.Merge(context.Background(), "alt", MainBranch, MergeStrategyPreferTarget)
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if !merged.State.Equal(mainHead.State) {
			t.Errorf("state = %v, want target head's state %v", merged.State, mainHead.State)
		}
	})

	t.Run("prefer_higher_confidence", func(t *testing.T) {
		e, _, mainHead := newFork(t)
		merged, err := e.Merge(context.Background(), "alt", MainBranch, MergeStrategyPreferHigherConfidence)
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		// main's 0.95 beats alt's 0.75.
		if !merged.State.Equal(mainHead.State) {
			t.Errorf("state = %v, want higher-confidence (target) state %v", merged.State, mainHead.State)
		}
	})

	t.Run("combine", func(t *testing.T) {
		e, altHead, mainHead := newFork(t)
		merged, err := e.Merge(context.Background(), "alt", MainBranch, MergeStrategyCombine)
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		got, ok := merged.State.AsMap()
		if !ok {
			t.Fatalf("combined state is not a map: %v", merged.State)
		}
		wantSource, _ := got["source"].AsString()
		if wantSource != "live" {
			t.Errorf(`combined state["source"] = %q, want "live" (target wins key conflicts)`, wantSource)
		}
		altMap, _ := altHead.State.AsMap()
		mainMap, _ := mainHead.State.AsMap()
		if len(got) != len(altMap) || len(got) != len(mainMap) {
			t.Errorf("combined state has %d keys, want %d (union over identical key sets)", len(got), len(mainMap))
		}
	})
}

func TestHistoryWalksParentChain(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.Checkpoint(ctx, value.Number(1), nil, "a")
	b, _ := e.Checkpoint(ctx, value.Number(2), nil, "b")
	c, _ := e.Checkpoint(ctx, value.Number(3), nil, "c")

	history, err := e.History(ctx, MainBranch, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History returned %d checkpoints, want 3", len(history))
	}
	if history[0].ID != c.ID || history[1].ID != b.ID || history[2].ID != a.ID {
		t.Errorf("History order = [%s, %s, %s], want [c, b, a]", history[0].ID, history[1].ID, history[2].ID)
	}

	limited, err := e.History(ctx, MainBranch, 2)
	if err != nil {
		t.Fatalf("History with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("History with limit=2 returned %d, want 2", len(limited))
	}
}

func TestDeleteBranchRefusesCurrentAndMain(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.DeleteBranch(ctx, MainBranch); err == nil {
		t.Error("expected error deleting the main branch")
	}

	e.Checkpoint(ctx, value.Number(1), nil, "root")
	e.CreateBranch(ctx, "feature", "")
	e.SwitchBranch(ctx, "feature")
	if err := e.DeleteBranch(ctx, "feature"); err == nil {
		t.Error("expected error deleting the currently selected branch")
	}

	e.SwitchBranch(ctx, MainBranch)
	if err := e.DeleteBranch(ctx, "feature"); err != nil {
		t.Errorf("DeleteBranch on an inactive non-main branch should succeed: %v", err)
	}
}
