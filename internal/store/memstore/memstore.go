// Package memstore implements the checkpoint-substrate Backend entirely
// in memory. It is the default backend: zero setup, torn down with the
// process, useful for tests and for short-lived agent runs that never
// need to survive a restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/store"
)

// Store is an in-memory dag.Backend guarded by a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	checkpoints map[string]*dag.Checkpoint
	branches    map[string]*dag.Branch
	closed      bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string]*dag.Checkpoint),
		branches:    make(map[string]*dag.Branch),
	}
}

func (s *Store) Put(ctx context.Context, cp *dag.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	copyCp := *cp
	s.checkpoints[cp.ID] = &copyCp
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*dag.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, store.NewNotFoundError("checkpoint", id)
	}
	copyCp := *cp
	return &copyCp, nil
}

func (s *Store) List(ctx context.Context, filter store.Filter) ([]*dag.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []*dag.Checkpoint
	for _, cp := range s.checkpoints {
		if !matchesWhere(cp, filter.Where) {
			continue
		}
		copyCp := *cp
		out = append(out, &copyCp)
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
		case "agent":
			if cp.Agent != v {
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
	cp, ok := s.checkpoints[id]
	if !ok {
		return store.NewNotFoundError("checkpoint", id)
	}
	cp.Status = status
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.checkpoints[id]; !ok {
		return store.NewNotFoundError("checkpoint", id)
	}
	delete(s.checkpoints, id)
	return nil
}

func (s *Store) PutBranch(ctx context.Context, b *dag.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	copyB := *b
	s.branches[b.Name] = &copyB
	return nil
}

func (s *Store) GetBranch(ctx context.Context, name string) (*dag.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	b, ok := s.branches[name]
	if !ok {
		return nil, store.NewNotFoundError("branch", name)
	}
	copyB := *b
	return &copyB, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]*dag.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	out := make([]*dag.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		copyB := *b
		out = append(out, &copyB)
	}
	return out, nil
}

func (s *Store) DeleteBranch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.branches[name]; !ok {
		return store.NewNotFoundError("branch", name)
	}
	delete(s.branches, name)
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.checkpoints = make(map[string]*dag.Checkpoint)
	s.branches = make(map[string]*dag.Branch)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
