package dag

import (
	"fmt"

	"github.com/joss/ckpt/internal/value"
)

// ChangeKind classifies one entry in a Diff.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is a single field-level difference between two checkpoints.
type Change struct {
	Path string
	Kind ChangeKind
	From value.Value
	To   value.Value
}

// Diff is the full set of changes between two checkpoints' state.
type Diff struct {
	FromID, ToID string
	Changes      []Change
}

// Diff compares the state of two checkpoints, path by path. Checkpoints
// whose state is not a map are compared as a single root-level change.
func (e *Engine) Diff(a, b *Checkpoint) *Diff {
	d := &Diff{FromID: a.ID, ToID: b.ID}
	diffValue("", a.State, b.State, &d.Changes)
	return d
}

func diffValue(path string, from, to value.Value, out *[]Change) {
	if from.Equal(to) {
		return
	}

	fromMap, fromIsMap := from.AsMap()
	toMap, toIsMap := to.AsMap()

	if !fromIsMap || !toIsMap {
		*out = append(*out, Change{Path: pathOrRoot(path), Kind: ChangeChanged, From: from, To: to})
		return
	}

	for k, fv := range fromMap {
		tv, ok := toMap[k]
		childPath := joinPath(path, k)
		if !ok {
			*out = append(*out, Change{Path: childPath, Kind: ChangeRemoved, From: fv, To: value.Null()})
			continue
		}
		diffValue(childPath, fv, tv, out)
	}
	for k, tv := range toMap {
		if _, ok := fromMap[k]; !ok {
			*out = append(*out, Change{Path: joinPath(path, k), Kind: ChangeAdded, From: value.Null(), To: tv})
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func pathOrRoot(path string) string {
	if path == "" {
		return "."
	}
	return path
}

// String renders a Diff as a human-readable summary.
func (d *Diff) String() string {
	if len(d.Changes) == 0 {
		return fmt.Sprintf("%s..%s: no changes", short(d.FromID), short(d.ToID))
	}
	s := fmt.Sprintf("%s..%s: %d change(s)\n", short(d.FromID), short(d.ToID), len(d.Changes))
	for _, c := range d.Changes {
		switch c.Kind {
		case ChangeAdded:
			s += fmt.Sprintf("  + %s = %s\n", c.Path, c.To.String())
		case ChangeRemoved:
			s += fmt.Sprintf("  - %s (was %s)\n", c.Path, c.From.String())
		case ChangeChanged:
			s += fmt.Sprintf("  ~ %s: %s -> %s\n", c.Path, c.From.String(), c.To.String())
		}
	}
	return s
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
