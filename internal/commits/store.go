package commits

import (
	"context"
	"sort"
	"sync"
)

// Query selects cached records of one stream. Bounds are inclusive and zero means unbounded.
// Results are ordered by descending change unless Ascending is set.
type Query struct {
	StreamID  string
	MinChange int
	MaxChange int
	Tags      []string // any of
	Limit     int
	Ascending bool
}

// Store persists commit records keyed by (stream, change).
type Store interface {
	Upsert(ctx context.Context, records ...*CommitRecord) error
	Find(ctx context.Context, q Query) ([]*CommitRecord, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]map[int]CommitRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: map[string]map[int]CommitRecord{}}
}

func (s *MemoryStore) Upsert(ctx context.Context, records ...*CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		m, ok := s.streams[r.StreamID]
		if !ok {
			m = map[int]CommitRecord{}
			s.streams[r.StreamID] = m
		}
		cp := *r
		cp.Tags = append([]string(nil), r.Tags...)
		m[r.Change] = cp
	}
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, q Query) ([]*CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CommitRecord
	for change, r := range s.streams[q.StreamID] {
		if q.MinChange > 0 && change < q.MinChange {
			continue
		}
		if q.MaxChange > 0 && change > q.MaxChange {
			continue
		}
		if !r.HasAnyTag(q.Tags) {
			continue
		}
		cp := r
		cp.Tags = append([]string(nil), r.Tags...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Ascending {
			return out[i].Change < out[j].Change
		}
		return out[i].Change > out[j].Change
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of cached records of a stream.
func (s *MemoryStore) Len(streamID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[streamID])
}
