package dag_test

import (
	"context"
	"strings"
	"testing"

	"github.com/joss/ckpt/internal/metrics"
	"github.com/joss/ckpt/internal/store/memstore"
	"github.com/joss/ckpt/internal/value"
)

func TestVisualizeTreeMarksCurrentBranch(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, memstore.New(), "tester", metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.Checkpoint(ctx, value.Number(1), nil, "root checkpoint")
	e.CreateBranch(ctx, "feature", "")

	out, err := e.VisualizeTree(ctx)
	if err != nil {
		t.Fatalf("VisualizeTree: %v", err)
	}
	if !strings.Contains(out, "* "+MainBranch) {
		t.Errorf("expected current branch marker on %s, got:\n%s", MainBranch, out)
	}
	if !strings.Contains(out, "root checkpoint") {
		t.Errorf("expected checkpoint description in tree, got:\n%s", out)
	}
	if !strings.Contains(out, "feature") {
		t.Errorf("expected feature branch listed, got:\n%s", out)
	}
}
