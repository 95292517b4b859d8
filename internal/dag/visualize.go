package dag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ckptstrings "github.com/joss/ckpt/internal/strings"
)

// VisualizeTree renders every branch's checkpoint chain as an ASCII tree,
// most recent checkpoint first on each branch, with the current branch
// marked.
func (e *Engine) VisualizeTree(ctx context.Context) (string, error) {
	branches, err := e.backend.ListBranches(ctx)
	if err != nil {
		return "", fmt.Errorf("dag: listing branches: %w", err)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })

	var sb strings.Builder
	for _, b := range branches {
		marker := "  "
		if b.Name == e.currentBranch {
			marker = "* "
		}
		fmt.Fprintf(&sb, "%s%s\n", marker, b.Name)

		history, err := e.History(ctx, b.Name, 0)
		if err != nil {
			return "", fmt.Errorf("dag: walking branch %q: %w", b.Name, err)
		}
		for _, cp := range history {
			statusTag := ""
			if cp.Status != StatusActive {
				statusTag = fmt.Sprintf(" [%s]", cp.Status)
			}
			desc := ckptstrings.Truncate(cp.Description, 45)
			fmt.Fprintf(&sb, "    └─ %s  step=%d  %s%s\n", short(cp.ID), cp.LogicStep, desc, statusTag)
		}
	}
	return sb.String(), nil
}
