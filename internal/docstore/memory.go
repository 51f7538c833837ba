package docstore

import (
	"context"
	"sync"
)

type memoryDoc struct {
	version int64
	data    []byte
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]memoryDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]memoryDoc{}}
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), d.data...), d.version, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, version int64, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[key].version != version {
		return false, nil
	}
	s.docs[key] = memoryDoc{version: version + 1, data: append([]byte(nil), data...)}
	return true, nil
}
