// Package conformance is a shared test suite run against every dag.Backend
// implementation, so memstore, filestore, and sqlstore are all held to the
// same observable contract instead of drifting apart one bug fix at a time.
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/store"
	"github.com/joss/ckpt/internal/value"
)

// Run exercises newBackend() (freshly constructed, no caller state) against
// the full dag.Backend contract. Call it once per backend from that
// backend's own test file:
//
//	func TestConformance(t *testing.T) {
//		conformance.Run(t, func() dag.Backend { return New() })
//	}
func Run(t *testing.T, newBackend func() dag.Backend) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, newBackend()) })
	t.Run("GetMissingReturnsNotFound", func(t *testing.T) { testGetMissing(t, newBackend()) })
	t.Run("ListFiltersByBranch", func(t *testing.T) { testListFiltersByBranch(t, newBackend()) })
	t.Run("ListRespectsLimitAndOffset", func(t *testing.T) { testListLimitOffset(t, newBackend()) })
	t.Run("UpdateStatusPersists", func(t *testing.T) { testUpdateStatus(t, newBackend()) })
	t.Run("UpdateStatusMissingReturnsNotFound", func(t *testing.T) { testUpdateStatusMissing(t, newBackend()) })
	t.Run("BranchLifecycle", func(t *testing.T) { testBranchLifecycle(t, newBackend()) })
	t.Run("DeleteBranchMissingReturnsNotFound", func(t *testing.T) { testDeleteBranchMissing(t, newBackend()) })
	t.Run("ClearRemovesEverything", func(t *testing.T) { testClear(t, newBackend()) })
	t.Run("PingAndClose", func(t *testing.T) { testPingAndClose(t, newBackend()) })
	t.Run("PutOverwritesExisting", func(t *testing.T) { testPutOverwrites(t, newBackend()) })
	t.Run("DeleteRemovesCheckpoint", func(t *testing.T) { testDelete(t, newBackend()) })
	t.Run("DeleteMissingReturnsNotFound", func(t *testing.T) { testDeleteMissing(t, newBackend()) })
}

func mustClose(t *testing.T, b dag.Backend) {
	t.Cleanup(func() { b.Close() })
}

func testPutAndGet(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()

	cp := &dag.Checkpoint{
		ID:          "cp-1",
		Timestamp:   time.Now().UTC().Truncate(time.Second),
		State:       value.Map(map[string]value.Value{"step": value.Number(1)}),
		Metadata:    map[string]value.Value{"note": value.String("first")},
		Description: "initial state",
		Branch:      "main",
		Status:      dag.StatusActive,
		Fingerprint: "abc123",
		Agent:       "tester",
	}
	if err := b.Put(ctx, cp); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := b.Get(ctx, "cp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != cp.ID || got.Description != cp.Description || got.Branch != cp.Branch {
		t.Errorf("Get returned %+v, want fields matching %+v", got, cp)
	}
	if !got.State.Equal(cp.State) {
		t.Errorf("Get state = %v, want %v", got.State, cp.State)
	}
}

func testGetMissing(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	_, err := b.Get(context.Background(), "does-not-exist")
	if !store.IsNotFound(err) {
		t.Errorf("Get on missing checkpoint: got %v, want a not-found error", err)
	}
}

func testListFiltersByBranch(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()

	put(t, b, "a", "main", time.Now())
	put(t, b, "b", "feature", time.Now())
	put(t, b, "c", "main", time.Now())

	out, err := b.List(ctx, store.DefaultFilter().WithWhere("branch", "main"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("List(branch=main) returned %d checkpoints, want 2", len(out))
	}
	for _, cp := range out {
		if cp.Branch != "main" {
			t.Errorf("List(branch=main) returned checkpoint on branch %q", cp.Branch)
		}
	}
}

func testListLimitOffset(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c", "d"} {
		put(t, b, id, "main", base.Add(time.Duration(i)*time.Second))
	}

	out, err := b.List(ctx, store.DefaultFilter().WithLimit(2).WithOffset(1))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("List limit=2 offset=1 returned %d results, want 2", len(out))
	}
	// Default ordering is descending by timestamp: d, c, b, a -> offset 1, limit 2 -> c, b
	if out[0].ID != "c" || out[1].ID != "b" {
		t.Errorf("List limit=2 offset=1 = [%s, %s], want [c, b]", out[0].ID, out[1].ID)
	}
}

func testUpdateStatus(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()
	put(t, b, "a", "main", time.Now())

	if err := b.UpdateStatus(ctx, "a", dag.StatusRolledBack); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != dag.StatusRolledBack {
		t.Errorf("Status after UpdateStatus = %s, want %s", got.Status, dag.StatusRolledBack)
	}
}

func testUpdateStatusMissing(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	err := b.UpdateStatus(context.Background(), "missing", dag.StatusMerged)
	if !store.IsNotFound(err) {
		t.Errorf("UpdateStatus on missing checkpoint: got %v, want a not-found error", err)
	}
}

func testBranchLifecycle(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()

	br := &dag.Branch{Name: "feature-x", HeadID: "cp-1", CreatedFrom: "cp-0", CreatedAt: time.Now().UTC()}
	if err := b.PutBranch(ctx, br); err != nil {
		t.Fatalf("PutBranch: %v", err)
	}

	got, err := b.GetBranch(ctx, "feature-x")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if got.HeadID != "cp-1" || got.CreatedFrom != "cp-0" {
		t.Errorf("GetBranch = %+v, want HeadID=cp-1 CreatedFrom=cp-0", got)
	}

	br.HeadID = "cp-2"
	if err := b.PutBranch(ctx, br); err != nil {
		t.Fatalf("PutBranch (update): %v", err)
	}
	got, _ = b.GetBranch(ctx, "feature-x")
	if got.HeadID != "cp-2" {
		t.Errorf("HeadID after re-Put = %s, want cp-2", got.HeadID)
	}

	list, err := b.ListBranches(ctx)
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListBranches returned %d branches, want 1", len(list))
	}

	if err := b.DeleteBranch(ctx, "feature-x"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if _, err := b.GetBranch(ctx, "feature-x"); !store.IsNotFound(err) {
		t.Errorf("GetBranch after delete: got %v, want not-found", err)
	}
}

func testDeleteBranchMissing(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	err := b.DeleteBranch(context.Background(), "ghost")
	if !store.IsNotFound(err) {
		t.Errorf("DeleteBranch on missing branch: got %v, want a not-found error", err)
	}
}

func testClear(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()
	put(t, b, "a", "main", time.Now())
	b.PutBranch(ctx, &dag.Branch{Name: "main"})

	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := b.Get(ctx, "a"); !store.IsNotFound(err) {
		t.Error("checkpoint survived Clear")
	}
	if _, err := b.GetBranch(ctx, "main"); !store.IsNotFound(err) {
		t.Error("branch survived Clear")
	}
}

func testPingAndClose(t *testing.T, b dag.Backend) {
	ctx := context.Background()
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping on open backend: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func testPutOverwrites(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()
	put(t, b, "a", "main", time.Now())

	updated := &dag.Checkpoint{ID: "a", Branch: "main", Description: "updated", Timestamp: time.Now(), Status: dag.StatusActive}
	if err := b.Put(ctx, updated); err != nil {
		t.Fatalf("Put (overwrite): %v", err)
	}
	got, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "updated" {
		t.Errorf("Description after overwrite = %q, want %q", got.Description, "updated")
	}
}

func testDelete(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	ctx := context.Background()
	put(t, b, "a", "main", time.Now())

	if err := b.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, "a"); !store.IsNotFound(err) {
		t.Errorf("Get after Delete: got %v, want not-found", err)
	}
}

func testDeleteMissing(t *testing.T, b dag.Backend) {
	mustClose(t, b)
	err := b.Delete(context.Background(), "ghost")
	if !store.IsNotFound(err) {
		t.Errorf("Delete on missing checkpoint: got %v, want a not-found error", err)
	}
}

func put(t *testing.T, b dag.Backend, id, branch string, ts time.Time) {
	cp := &dag.Checkpoint{
		ID:        id,
		Branch:    branch,
		Timestamp: ts,
		State:     value.Null(),
		Status:    dag.StatusActive,
	}
	if err := b.Put(context.Background(), cp); err != nil {
		t.Fatalf("Put(%s): %v", id, err)
	}
}
