package serverhealth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StickyStore remembers the server chosen for a selection key. The TTL is applied when the key is
// created and never extended, so a caller stays pinned for at most one TTL.
type StickyStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, address string, ttl time.Duration) error
}

var stickySetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
else
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
return 1
`)

type RedisStickyStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStickyStore(rdb *redis.Client, prefix string) *RedisStickyStore {
	return &RedisStickyStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStickyStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStickyStore) Set(ctx context.Context, key, address string, ttl time.Duration) error {
	return stickySetScript.Run(ctx, s.rdb, []string{s.prefix + key}, address, ttl.Milliseconds()).Err()
}

type stickyRecord struct {
	address string
	expires time.Time
}

type MemoryStickyStore struct {
	mu      sync.Mutex
	records map[string]stickyRecord
	now     func() time.Time
}

func NewMemoryStickyStore(now func() time.Time) *MemoryStickyStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStickyStore{records: map[string]stickyRecord{}, now: now}
}

func (s *MemoryStickyStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || !s.now().Before(r.expires) {
		delete(s.records, key)
		return "", false, nil
	}
	return r.address, true, nil
}

func (s *MemoryStickyStore) Set(ctx context.Context, key, address string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r, ok := s.records[key]
	if !ok || !now.Before(r.expires) {
		r = stickyRecord{expires: now.Add(ttl)}
	}
	r.address = address
	s.records[key] = r
	return nil
}
