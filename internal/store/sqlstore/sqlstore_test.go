package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/store"
	"github.com/joss/ckpt/internal/store/conformance"
	"github.com/joss/ckpt/internal/value"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	conformance.Run(t, func() dag.Backend {
		return newTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if err := s2.Ping(context.Background()); err != nil {
		t.Fatalf("ping after reopen: %v", err)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cp := &dag.Checkpoint{
		ID:          "cp-1",
		Branch:      "main",
		Timestamp:   time.Now().UTC().Truncate(time.Second),
		State:       value.Map(map[string]value.Value{"goal": value.String("ship it")}),
		Metadata:    map[string]value.Value{"tag": value.String("v1")},
		Description: "initial",
		Status:      dag.StatusActive,
		Fingerprint: "fp1",
	}
	if err := s1.Put(ctx, cp); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s1.PutBranch(ctx, &dag.Branch{Name: "main", HeadID: "cp-1"}); err != nil {
		t.Fatalf("put branch: %v", err)
	}
	s1.Close()

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "cp-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !got.State.Equal(cp.State) {
		t.Errorf("state after reopen = %v, want %v", got.State, cp.State)
	}

	b, err := s2.GetBranch(ctx, "main")
	if err != nil {
		t.Fatalf("get branch after reopen: %v", err)
	}
	if b.HeadID != "cp-1" {
		t.Errorf("branch head after reopen = %s, want cp-1", b.HeadID)
	}
}

func TestListOrdersByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		s.Put(ctx, &dag.Checkpoint{ID: id, Branch: "main", Timestamp: base.Add(time.Duration(i) * time.Second), Status: dag.StatusActive})
	}

	out, err := s.List(ctx, store.DefaultFilter())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 3 || out[0].ID != "c" {
		t.Fatalf("expected [c, b, a], got %v", ids(out))
	}
}

func ids(cps []*dag.Checkpoint) []string {
	out := make([]string, len(cps))
	for i, cp := range cps {
		out[i] = cp.ID
	}
	return out
}
