package commits

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RecheckQueue holds changes a VCS trigger asked to be described again, per cluster.
type RecheckQueue interface {
	Add(ctx context.Context, cluster string, changes ...int) error
	// Drain removes and returns up to max queued changes.
	Drain(ctx context.Context, cluster string, max int) ([]int, error)
}

type RedisRecheckQueue struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRecheckQueue(rdb *redis.Client, prefix string) *RedisRecheckQueue {
	return &RedisRecheckQueue{rdb: rdb, prefix: prefix}
}

func (q *RedisRecheckQueue) Add(ctx context.Context, cluster string, changes ...int) error {
	if len(changes) == 0 {
		return nil
	}
	members := make([]interface{}, len(changes))
	for i, c := range changes {
		members[i] = strconv.Itoa(c)
	}
	return q.rdb.SAdd(ctx, q.prefix+cluster, members...).Err()
}

func (q *RedisRecheckQueue) Drain(ctx context.Context, cluster string, max int) ([]int, error) {
	vals, err := q.rdb.SPopN(ctx, q.prefix+cluster, int64(max)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("cluster", cluster).Str("value", v).Msg("dropping invalid recheck entry")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

type MemoryRecheckQueue struct {
	mu      sync.Mutex
	pending map[string]map[int]struct{}
}

func NewMemoryRecheckQueue() *MemoryRecheckQueue {
	return &MemoryRecheckQueue{pending: map[string]map[int]struct{}{}}
}

func (q *MemoryRecheckQueue) Add(ctx context.Context, cluster string, changes ...int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.pending[cluster]
	if !ok {
		set = map[int]struct{}{}
		q.pending[cluster] = set
	}
	for _, c := range changes {
		set[c] = struct{}{}
	}
	return nil
}

func (q *MemoryRecheckQueue) Drain(ctx context.Context, cluster string, max int) ([]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []int
	for c := range q.pending[cluster] {
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, c)
		delete(q.pending[cluster], c)
	}
	return out, nil
}
