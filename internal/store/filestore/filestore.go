// Package filestore implements the checkpoint-substrate Backend as a tree
// of JSON files on disk: one file per checkpoint and one per branch, plus a
// manifest that lets Open detect and repair a stale listing instead of
// refusing to start.
//
// Layout:
//
//	<dataDir>/
//	  index.json            # manifest: known checkpoint and branch IDs
//	  checkpoints/<id>.json
//	  branches/<name>.json
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/logging"
	"github.com/joss/ckpt/internal/store"
)

var errInvalidComponent = errors.New("filestore: path component contains a separator or traversal sequence")

func validateComponent(s string) error {
	if s == "" {
		return errors.New("filestore: path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return errInvalidComponent
	}
	return nil
}

// manifest is the on-disk index.json: a cheap-to-read listing of what
// should be on disk, used only to detect drift at Open time. This tracks
// checkpoint and branch ids as two separate lists rather than the single
// {"ids":[...],"version":1} shape, since repairIndex rebuilds either list
// straight from a directory walk whenever they disagree — the schema is
// never load-bearing, just a cache of listIDs' own output.
type manifest struct {
	CheckpointIDs []string `json:"checkpoint_ids"`
	BranchNames   []string `json:"branch_names"`
}

// Store is a file-tree dag.Backend. Every write is staged to a temp file
// in the target directory and renamed into place, so a process killed
// mid-write never leaves a half-written checkpoint or branch file behind.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	closed  bool
	log     *logging.Logger
}

// Open opens (or creates) a file-tree store rooted at dataDir. If an
// existing index.json disagrees with what is actually in checkpoints/ and
// branches/, the manifest is rebuilt from the directory listing rather
// than treated as corruption.
func Open(dataDir string) (*Store, error) {
	for _, sub := range []string{"checkpoints", "branches"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("filestore: create %s dir: %w", sub, err)
		}
	}

	s := &Store{dataDir: dataDir, log: logging.New("filestore")}
	if err := s.repairIndex(); err != nil {
		return nil, fmt.Errorf("filestore: repairing index: %w", err)
	}
	return s, nil
}

func (s *Store) checkpointsDir() string { return filepath.Join(s.dataDir, "checkpoints") }
func (s *Store) branchesDir() string    { return filepath.Join(s.dataDir, "branches") }
func (s *Store) indexPath() string      { return filepath.Join(s.dataDir, "index.json") }

// repairIndex reconciles index.json against the actual directory
// listings, rewriting the manifest whenever they disagree instead of
// failing to open.
func (s *Store) repairIndex() error {
	actualCheckpoints, err := listIDs(s.checkpointsDir())
	if err != nil {
		return err
	}
	actualBranches, err := listIDs(s.branchesDir())
	if err != nil {
		return err
	}

	want := manifest{CheckpointIDs: actualCheckpoints, BranchNames: actualBranches}

	existing, err := readManifest(s.indexPath())
	if err == nil && sameStringSet(existing.CheckpointIDs, want.CheckpointIDs) && sameStringSet(existing.BranchNames, want.BranchNames) {
		return nil
	}

	s.log.Warn("index_repair", map[string]any{
		"checkpoints": len(want.CheckpointIDs),
		"branches":    len(want.BranchNames),
	}, nil)
	return writeManifest(s.indexPath(), want)
}

func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func readManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, err
	}
	sort.Strings(m.CheckpointIDs)
	sort.Strings(m.BranchNames)
	return m, nil
}

func writeManifest(path string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0644)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	aCopy, bCopy := append([]string{}, a...), append([]string{}, b...)
	sort.Strings(aCopy)
	sort.Strings(bCopy)
	for i := range aCopy {
		if aCopy[i] != bCopy[i] {
			return false
		}
	}
	return true
}

// writeFileAtomic writes data to a temp file beside path and renames it
// into place, so readers never observe a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (s *Store) checkpointPath(id string) string {
	return filepath.Join(s.checkpointsDir(), id+".json")
}

func (s *Store) branchPath(name string) string {
	return filepath.Join(s.branchesDir(), name+".json")
}

func (s *Store) Put(ctx context.Context, cp *dag.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := validateComponent(cp.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.checkpointPath(cp.ID), data, 0644); err != nil {
		return fmt.Errorf("filestore: write checkpoint: %w", err)
	}
	return s.repairIndex()
}

func (s *Store) Get(ctx context.Context, id string) (*dag.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if err := validateComponent(id); err != nil {
		return nil, err
	}
	return s.readCheckpoint(id)
}

func (s *Store) readCheckpoint(id string) (*dag.Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(id)) // #nosec G304 - id validated by validateComponent
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.NewNotFoundError("checkpoint", id)
		}
		return nil, fmt.Errorf("filestore: read checkpoint: %w", err)
	}
	var cp dag.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("filestore: parse checkpoint %q: %w", id, err)
	}
	return &cp, nil
}

func (s *Store) List(ctx context.Context, filter store.Filter) ([]*dag.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	ids, err := listIDs(s.checkpointsDir())
	if err != nil {
		return nil, fmt.Errorf("filestore: listing checkpoints: %w", err)
	}

	var out []*dag.Checkpoint
	for _, id := range ids {
		cp, err := s.readCheckpoint(id)
		if err != nil {
			return nil, err
		}
		if matchesWhere(cp, filter.Where) {
			out = append(out, cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if filter.OrderDesc {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// matchesWhere supports the same filter keys as the other backends, minus
// "agent": the checkpoint file on disk doesn't carry an agent key (§6's
// documented shape has no others), so a freshly reopened store can't
// answer an agent filter and the key is dropped here rather than silently
// matching nothing.
func matchesWhere(cp *dag.Checkpoint, where map[string]any) bool {
	for k, v := range where {
		switch k {
		case "branch":
			if cp.Branch != v {
				return false
			}
		case "status":
			if string(cp.Status) != v {
				return false
			}
		}
	}
	return true
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status dag.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	cp, err := s.readCheckpoint(id)
	if err != nil {
		return err
	}
	cp.Status = status
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal checkpoint: %w", err)
	}
	return writeFileAtomic(s.checkpointPath(id), data, 0644)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := validateComponent(id); err != nil {
		return err
	}
	if _, err := s.readCheckpoint(id); err != nil {
		return err
	}
	if err := os.Remove(s.checkpointPath(id)); err != nil {
		return fmt.Errorf("filestore: remove checkpoint: %w", err)
	}
	return s.repairIndex()
}

func (s *Store) PutBranch(ctx context.Context, b *dag.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := validateComponent(b.Name); err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal branch: %w", err)
	}
	if err := writeFileAtomic(s.branchPath(b.Name), data, 0644); err != nil {
		return fmt.Errorf("filestore: write branch: %w", err)
	}
	return s.repairIndex()
}

func (s *Store) GetBranch(ctx context.Context, name string) (*dag.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if err := validateComponent(name); err != nil {
		return nil, err
	}
	return s.readBranch(name)
}

func (s *Store) readBranch(name string) (*dag.Branch, error) {
	data, err := os.ReadFile(s.branchPath(name)) // #nosec G304 - name validated by validateComponent
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.NewNotFoundError("branch", name)
		}
		return nil, fmt.Errorf("filestore: read branch: %w", err)
	}
	var b dag.Branch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("filestore: parse branch %q: %w", name, err)
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]*dag.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	names, err := listIDs(s.branchesDir())
	if err != nil {
		return nil, fmt.Errorf("filestore: listing branches: %w", err)
	}
	out := make([]*dag.Branch, 0, len(names))
	for _, name := range names {
		b, err := s.readBranch(name)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) DeleteBranch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := validateComponent(name); err != nil {
		return err
	}
	if err := os.Remove(s.branchPath(name)); err != nil {
		if os.IsNotExist(err) {
			return store.NewNotFoundError("branch", name)
		}
		return fmt.Errorf("filestore: removing branch: %w", err)
	}
	return s.repairIndex()
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	for _, dir := range []string{s.checkpointsDir(), s.branchesDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("filestore: clearing %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("filestore: recreating %s: %w", dir, err)
		}
	}
	return s.repairIndex()
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	_, err := os.Stat(s.dataDir)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
