package objstore

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[Ref][]byte
	refs  map[string]Ref
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: map[Ref][]byte{}, refs: map[string]Ref{}}
}

func (s *MemoryStore) ReadNode(ctx context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.nodes[ref]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", ref, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) WriteNode(ctx context.Context, data []byte) (Ref, error) {
	ref := Hash(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[ref]; !ok {
		s.nodes[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (s *MemoryStore) ReadRef(ctx context.Context, name string) (Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.refs[name]
	if !ok {
		return "", fmt.Errorf("ref %s: %w", name, ErrNotFound)
	}
	return ref, nil
}

func (s *MemoryStore) WriteRef(ctx context.Context, name string, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name] = ref
	return nil
}

func (s *MemoryStore) DeleteRef(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, name)
	return nil
}

// NodeCount returns the number of stored nodes.
func (s *MemoryStore) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
