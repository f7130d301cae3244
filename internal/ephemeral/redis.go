package ephemeral

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript runs prune + insert + count as one atomic unit so the two
// execution paths of the rules engine can mutate the same window without a
// lock. KEYS[1] = window key; ARGV = score, member, from, cutoff, ttlSec.
var windowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return redis.call('ZCOUNT', KEYS[1], ARGV[3], ARGV[1])
`)

// incrScript increments and applies the TTL only on first increment, so a
// sustained stream of hits cannot keep the counter alive forever.
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// RedisStore implements Store on go-redis v9.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore connects to Redis and verifies connectivity before
// returning. The caller owns the returned store's lifecycle via Close.
func NewRedisStore(addr, password string, db, poolSize int) (*RedisStore, error) {
	if poolSize <= 0 {
		poolSize = 20
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests with
// miniredis and by callers that share one connection pool.
func NewRedisStoreFromClient(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// Client exposes the shared connection pool for components that need raw
// Redis access, such as the stream backend.
func (s *RedisStore) Client() redis.UniversalClient { return s.rdb }

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis INCR %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) WindowAdd(ctx context.Context, key, member string, ts, from, cutoff time.Time, ttl time.Duration) (int64, error) {
	n, err := windowScript.Run(ctx, s.rdb, []string{key},
		ts.UnixMilli(),
		member,
		from.UnixMilli(),
		cutoff.UnixMilli(),
		int(ttl.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis window add %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) WindowCount(ctx context.Context, key string, from, to time.Time) (int64, error) {
	n, err := s.rdb.ZCount(ctx, key,
		strconv.FormatInt(from.UnixMilli(), 10),
		strconv.FormatInt(to.UnixMilli(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZCOUNT %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
