package docstore

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// casScript replaces the document when the stored version matches ARGV[1].
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'v', tostring(tonumber(ARGV[1]) + 1), 'data', ARGV[2])
return 1
`)

// RedisStore keeps each document in a hash with a version field and a data field.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, int64, error) {
	vals, err := s.rdb.HMGet(ctx, s.prefix+key, "v", "data").Result()
	if err != nil {
		return nil, 0, err
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, 0, nil
	}
	version, err := strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return nil, 0, err
	}
	data, _ := vals[1].(string)
	return []byte(data), version, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, version int64, data []byte) (bool, error) {
	n, err := casScript.Run(ctx, s.rdb, []string{s.prefix + key}, strconv.FormatInt(version, 10), string(data)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
