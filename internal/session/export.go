package session

import (
	"context"
	"fmt"
	"time"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/serializer"
	"github.com/joss/ckpt/internal/value"
)

// ExportVersion is the export document schema version this package
// produces and the highest version it will accept on import.
const ExportVersion = 1

// CheckpointDoc is a checkpoint's shape inside an export document — the
// same fields as dag.Checkpoint, reordered for a stable on-disk layout.
type CheckpointDoc struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	State       value.Value            `json:"state"`
	Metadata    map[string]value.Value `json:"metadata,omitempty"`
	Description string                 `json:"description"`
	LogicStep   int                    `json:"logic_step"`
	Branch      string                 `json:"branch"`
	ParentID    string                 `json:"parent_id,omitempty"`
	Status      dag.Status             `json:"status"`
	Fingerprint string                 `json:"fingerprint"`
	Agent       string                 `json:"agent"`
}

// BranchDoc is a branch's shape inside an export document.
type BranchDoc struct {
	Name        string    `json:"name"`
	HeadID      string    `json:"head_id,omitempty"`
	CreatedFrom string    `json:"created_from,omitempty"`
	IsCurrent   bool      `json:"is_current"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is the serializable export of a whole session: every
// checkpoint, every branch, which branch is current, and whose agent
// name it belongs to.
type Document struct {
	Version       int             `json:"version"`
	AgentName     string          `json:"agent_name"`
	CurrentBranch string          `json:"current_branch"`
	Checkpoints   []CheckpointDoc `json:"checkpoints"`
	Branches      []BranchDoc     `json:"branches"`
}

// ExportSession produces a document containing every checkpoint and
// branch this session owns, suitable for json.Marshal or handing to
// ImportSession on another backend.
func (s *Session) ExportSession(ctx context.Context) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoints, err := s.engine.AllCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: exporting checkpoints: %w", err)
	}
	branches, err := s.engine.Branches(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: exporting branches: %w", err)
	}

	doc := &Document{
		Version:       ExportVersion,
		AgentName:     s.agent,
		CurrentBranch: s.engine.CurrentBranch(),
	}
	for _, cp := range checkpoints {
		doc.Checkpoints = append(doc.Checkpoints, CheckpointDoc{
			ID:          cp.ID,
			Timestamp:   cp.Timestamp,
			State:       cp.State,
			Metadata:    cp.Metadata,
			Description: cp.Description,
			LogicStep:   cp.LogicStep,
			Branch:      cp.Branch,
			ParentID:    cp.ParentID,
			Status:      cp.Status,
			Fingerprint: cp.Fingerprint,
			Agent:       cp.Agent,
		})
	}
	for _, b := range branches {
		doc.Branches = append(doc.Branches, BranchDoc{
			Name:        b.Name,
			HeadID:      b.HeadID,
			CreatedFrom: b.CreatedFrom,
			IsCurrent:   b.Name == doc.CurrentBranch,
			CreatedAt:   b.CreatedAt,
		})
	}
	return doc, nil
}

// ImportSession loads doc into backend and returns a new Session bound
// to it, after validating the document: an agent name is present,
// checkpoint ids are non-empty and unique, exactly one current branch,
// every non-root checkpoint's parent exists, every non-empty branch head
// exists and is active, the parent graph is acyclic, main exists, and
// every recorded fingerprint recomputes to the value on the record.
// Status transitions (invariant 7) cannot be checked from a single
// snapshot and are not validated.
// Malformed input is rejected with ImportError and never partially
// written to backend.
func ImportSession(ctx context.Context, backend dag.Backend, doc *Document, opts ...Option) (*Session, error) {
	if doc.Version > ExportVersion {
		return nil, &ImportError{Reason: fmt.Sprintf("unsupported document version %d", doc.Version)}
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	for _, cp := range doc.Checkpoints {
		record := &dag.Checkpoint{
			ID:          cp.ID,
			Timestamp:   cp.Timestamp,
			State:       cp.State,
			Metadata:    cp.Metadata,
			Description: cp.Description,
			LogicStep:   cp.LogicStep,
			Branch:      cp.Branch,
			ParentID:    cp.ParentID,
			Status:      cp.Status,
			Fingerprint: cp.Fingerprint,
			Agent:       cp.Agent,
		}
		if err := backend.Put(ctx, record); err != nil {
			return nil, fmt.Errorf("session: importing checkpoint %q: %w", cp.ID, err)
		}
	}
	for _, b := range doc.Branches {
		record := &dag.Branch{
			Name:        b.Name,
			HeadID:      b.HeadID,
			CreatedFrom: b.CreatedFrom,
			IsCurrent:   b.IsCurrent,
			CreatedAt:   b.CreatedAt,
		}
		if err := backend.PutBranch(ctx, record); err != nil {
			return nil, fmt.Errorf("session: importing branch %q: %w", b.Name, err)
		}
	}

	s, err := New(ctx, backend, doc.AgentName, opts...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if doc.CurrentBranch != "" {
		if err := s.engine.SwitchBranch(ctx, doc.CurrentBranch); err != nil {
			return nil, &ImportError{Reason: fmt.Sprintf("current branch %q: %v", doc.CurrentBranch, err)}
		}
	}
	return s, nil
}

func validateDocument(doc *Document) error {
	if doc.AgentName == "" {
		return &ImportError{Reason: "agent_name is required"}
	}

	byID := make(map[string]CheckpointDoc, len(doc.Checkpoints))
	for _, cp := range doc.Checkpoints {
		if cp.ID == "" {
			return &ImportError{Reason: "checkpoint with empty id"}
		}
		if _, dup := byID[cp.ID]; dup {
			return &ImportError{Reason: fmt.Sprintf("duplicate checkpoint id %q", cp.ID)}
		}
		byID[cp.ID] = cp
	}

	// invariant 2: every non-root checkpoint's parent exists.
	for _, cp := range doc.Checkpoints {
		if cp.ParentID != "" {
			if _, ok := byID[cp.ParentID]; !ok {
				return &ImportError{Reason: fmt.Sprintf("checkpoint %q has unknown parent %q", cp.ID, cp.ParentID)}
			}
		}
	}

	// invariant 4: the parent graph is acyclic.
	for _, cp := range doc.Checkpoints {
		seen := map[string]bool{}
		cursor := cp.ID
		for {
			if seen[cursor] {
				return &ImportError{Reason: fmt.Sprintf("cycle detected in parent chain starting at %q", cp.ID)}
			}
			seen[cursor] = true
			next, ok := byID[cursor]
			if !ok || next.ParentID == "" {
				break
			}
			cursor = next.ParentID
		}
	}

	// invariant 6: a recorded fingerprint must equal serializer.Fingerprint
	// of the state. The fingerprint covers the state only; metadata and
	// logic_step are not part of it.
	for _, cp := range doc.Checkpoints {
		want := serializer.Fingerprint(cp.State)
		if cp.Fingerprint != "" && cp.Fingerprint != want {
			return &ImportError{Reason: fmt.Sprintf("checkpoint %q fingerprint does not match its state", cp.ID)}
		}
	}

	sawMain := false
	currentCount := 0
	for _, b := range doc.Branches {
		if b.Name == dag.MainBranch {
			sawMain = true
		}
		if b.IsCurrent {
			currentCount++
			if doc.CurrentBranch != "" && b.Name != doc.CurrentBranch {
				return &ImportError{Reason: fmt.Sprintf("branch %q marked current but current_branch is %q", b.Name, doc.CurrentBranch)}
			}
		}
		// invariant 3: every branch with a non-null head must exist and be active.
		if b.HeadID != "" {
			head, ok := byID[b.HeadID]
			if !ok {
				return &ImportError{Reason: fmt.Sprintf("branch %q head %q does not exist", b.Name, b.HeadID)}
			}
			if head.Status != dag.StatusActive {
				return &ImportError{Reason: fmt.Sprintf("branch %q head %q is not active", b.Name, b.HeadID)}
			}
		}
	}
	// invariant 5: main always exists.
	if !sawMain {
		return &ImportError{Reason: "document is missing the main branch"}
	}
	// invariant 1: exactly one branch is current.
	if currentCount != 1 {
		return &ImportError{Reason: fmt.Sprintf("expected exactly one current branch, found %d", currentCount)}
	}

	return nil
}
