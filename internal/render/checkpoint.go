// Package render formats checkpoint-substrate domain types — checkpoints,
// branches, diffs, metrics snapshots — for terminal output. The
// fatih/color dependency lives only here, never in internal/dag, so the
// core engine stays free of a terminal dependency.
package render

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/metrics"
	ckptstrings "github.com/joss/ckpt/internal/strings"
)

// Renderer formats domain values as colored or plain text depending on
// whether output is going to a terminal.
type Renderer struct {
	pretty bool
}

// NewRenderer creates a Renderer. When pretty is false, every method
// falls back to uncolored plain text (piping to a file, NO_COLOR, etc).
func NewRenderer(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

func (r *Renderer) colorize(c *color.Color, s string) string {
	if !r.pretty {
		return s
	}
	return c.Sprint(s)
}

var (
	colGreen  = color.New(color.FgGreen)
	colYellow = color.New(color.FgYellow)
	colRed    = color.New(color.FgRed)
	colCyan   = color.New(color.FgCyan)
	colFaint  = color.New(color.Faint)
	colBold   = color.New(color.Bold)
)

// StatusIcon returns the marker used for a checkpoint's status.
func (r *Renderer) StatusIcon(s dag.Status) string {
	switch s {
	case dag.StatusActive:
		return r.colorize(colGreen, "●")
	case dag.StatusRolledBack:
		return r.colorize(colYellow, "↺")
	case dag.StatusMerged:
		return r.colorize(colCyan, "⇄")
	default:
		return "?"
	}
}

// History renders a checkpoint list as produced by Session.History, most
// recent entry first.
func (r *Renderer) History(cps []*dag.Checkpoint) string {
	if len(cps) == 0 {
		return "no checkpoints\n"
	}
	var sb strings.Builder
	for _, cp := range cps {
		desc := ckptstrings.Truncate(cp.Description, 60)
		fmt.Fprintf(&sb, "%s %s  step=%-3d  %s  %s\n",
			r.StatusIcon(cp.Status),
			r.colorize(colBold, short(cp.ID)),
			cp.LogicStep,
			r.colorize(colFaint, cp.Timestamp.Format("2006-01-02 15:04:05")),
			desc,
		)
	}
	return sb.String()
}

// Branches renders the branch list, marking the current one.
func (r *Renderer) Branches(branches []*dag.Branch, current string) string {
	if len(branches) == 0 {
		return "no branches\n"
	}
	var sb strings.Builder
	for _, b := range branches {
		marker := "  "
		name := b.Name
		if b.Name == current {
			marker = r.colorize(colGreen, "* ")
			name = r.colorize(colBold, b.Name)
		}
		head := short(b.HeadID)
		if head == "" {
			head = "-"
		}
		fmt.Fprintf(&sb, "%s%s  head=%s\n", marker, name, head)
	}
	return sb.String()
}

// Diff renders a Diff with colored +/-/~ markers per changed path.
func (r *Renderer) Diff(d *dag.Diff) string {
	if len(d.Changes) == 0 {
		return fmt.Sprintf("%s..%s: no changes\n", short(d.FromID), short(d.ToID))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s..%s: %d change(s)\n", short(d.FromID), short(d.ToID), len(d.Changes))
	for _, c := range d.Changes {
		switch c.Kind {
		case dag.ChangeAdded:
			fmt.Fprintf(&sb, "  %s %s = %s\n", r.colorize(colGreen, "+"), c.Path, c.To.String())
		case dag.ChangeRemoved:
			fmt.Fprintf(&sb, "  %s %s (was %s)\n", r.colorize(colRed, "-"), c.Path, c.From.String())
		case dag.ChangeChanged:
			fmt.Fprintf(&sb, "  %s %s: %s -> %s\n", r.colorize(colYellow, "~"), c.Path, c.From.String(), c.To.String())
		}
	}
	return sb.String()
}

// Inspect renders a single checkpoint's full detail.
func (r *Renderer) Inspect(cp *dag.Checkpoint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", r.colorize(colBold, "checkpoint"), cp.ID)
	fmt.Fprintf(&sb, "  branch:      %s\n", cp.Branch)
	fmt.Fprintf(&sb, "  parent:      %s\n", emptyDash(cp.ParentID))
	fmt.Fprintf(&sb, "  status:      %s %s\n", r.StatusIcon(cp.Status), cp.Status)
	fmt.Fprintf(&sb, "  logic_step:  %d\n", cp.LogicStep)
	fmt.Fprintf(&sb, "  agent:       %s\n", emptyDash(cp.Agent))
	fmt.Fprintf(&sb, "  timestamp:   %s\n", cp.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "  fingerprint: %s\n", cp.Fingerprint)
	fmt.Fprintf(&sb, "  description: %s\n", cp.Description)
	if len(cp.Metadata) > 0 {
		fmt.Fprintf(&sb, "  metadata:\n")
		for k, v := range cp.Metadata {
			fmt.Fprintf(&sb, "    %s: %s\n", k, v.String())
		}
	}
	fmt.Fprintf(&sb, "  state:       %s\n", cp.State.String())
	return sb.String()
}

// Metrics renders a process snapshot as a short report.
func (r *Renderer) Metrics(s metrics.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", r.colorize(colBold, "METRICS"))
	fmt.Fprintf(&sb, "  checkpoints created:  %d\n", s.CheckpointsCreated)
	fmt.Fprintf(&sb, "  rollbacks:            %d\n", s.Rollbacks)
	fmt.Fprintf(&sb, "  merges:               %d\n", s.Merges)
	fmt.Fprintf(&sb, "  errors caught:        %d\n", s.ErrorsCaught)
	fmt.Fprintf(&sb, "  recoveries:           %d\n", s.Recoveries)
	fmt.Fprintf(&sb, "  backend writes:       %d (%d failed)\n", s.BackendWrites, s.BackendWriteErrors)
	fmt.Fprintf(&sb, "  time saved:           %dms\n", s.TimeSavedMs)
	fmt.Fprintf(&sb, "  uptime:               %.1fs\n", s.UptimeSeconds)
	return sb.String()
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func emptyDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
