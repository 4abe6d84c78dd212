package fetchkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a CacheStore shared across processes. Entries are stored as
// JSON; a sorted set keyed by last access orders them for eviction and a hash
// holds hit counters.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxEntries int
	now        func() time.Time
	logger     *zap.Logger
	ownsClient bool
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// Prefix namespaces every key; defaults to "fetchkit:cache:".
	Prefix     string
	MaxEntries int
	Logger     *zap.Logger
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, config RedisStoreConfig) *RedisStore {
	if config.Prefix == "" {
		config.Prefix = "fetchkit:cache:"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &RedisStore{
		client:     client,
		prefix:     config.Prefix,
		maxEntries: config.MaxEntries,
		now:        time.Now,
		logger:     config.Logger,
	}
}

// pruneScript drops index members whose entries Redis has already expired
// and returns how many it removed.
var pruneScript = redis.NewScript(`
local removed = 0
for _, member in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
	if redis.call('EXISTS', ARGV[1] .. member) == 0 then
		redis.call('ZREM', KEYS[1], member)
		redis.call('HDEL', KEYS[2], member)
		removed = removed + 1
	end
end
return removed
`)

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) lruKey() string             { return s.prefix + "lru" }
func (s *RedisStore) hitsKey() string            { return s.prefix + "hits" }

func (s *RedisStore) load(ctx context.Context, key string) (*CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.forget(ctx, key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	if entry.Expired(s.now()) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return &entry, true, nil
}

// prune removes index entries left behind by server-side expiry.
func (s *RedisStore) prune(ctx context.Context) error {
	n, err := pruneScript.Run(ctx, s.client, []string{s.lruKey(), s.hitsKey()}, s.prefix+"entry:").Int()
	if err != nil {
		return fmt.Errorf("redis prune: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned expired cache index entries", zap.Int("count", n))
	}
	return nil
}

// Get returns the entry for key and records the access.
func (s *RedisStore) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	entry, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	now := s.now()
	pipe := s.client.TxPipeline()
	hits := pipe.HIncrBy(ctx, s.hitsKey(), key, 1)
	pipe.ZAdd(ctx, s.lruKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("redis touch: %w", err)
	}

	entry.Hits = hits.Val()
	entry.LastAccess = now
	return entry, true, nil
}

// Peek returns the entry for key without touching its recency or hits.
func (s *RedisStore) Peek(ctx context.Context, key string) (*CacheEntry, bool, error) {
	entry, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	if hits, err := s.client.HGet(ctx, s.hitsKey(), key).Int64(); err == nil {
		entry.Hits = hits
	}
	if score, err := s.client.ZScore(ctx, s.lruKey(), key).Result(); err == nil {
		entry.LastAccess = time.Unix(0, int64(score))
	}
	return entry, true, nil
}

// Set stores entry with a Redis TTL matching its expiry, evicting the least
// recently used entry first when the store is full.
func (s *RedisStore) Set(ctx context.Context, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if s.maxEntries > 0 {
		_, err := s.client.ZScore(ctx, s.lruKey(), entry.Key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if err := s.prune(ctx); err != nil {
				return err
			}
			n, err := s.client.ZCard(ctx, s.lruKey()).Result()
			if err != nil {
				return fmt.Errorf("redis zcard: %w", err)
			}
			if int(n) >= s.maxEntries {
				if err := s.evict(ctx); err != nil {
					return err
				}
			}
		case err != nil:
			return fmt.Errorf("redis zscore: %w", err)
		}
	}

	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(entry.Key), data, ttl)
	pipe.ZAdd(ctx, s.lruKey(), redis.Z{Score: float64(entry.LastAccess.UnixNano()), Member: entry.Key})
	pipe.HSet(ctx, s.hitsKey(), entry.Key, entry.Hits)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// evict removes the least recently accessed key, preferring the lowest hit
// count among ties.
func (s *RedisStore) evict(ctx context.Context) error {
	oldest, err := s.client.ZRangeWithScores(ctx, s.lruKey(), 0, 0).Result()
	if err != nil {
		return fmt.Errorf("redis zrange: %w", err)
	}
	if len(oldest) == 0 {
		return nil
	}

	score := strconv.FormatFloat(oldest[0].Score, 'f', -1, 64)
	tied, err := s.client.ZRangeByScore(ctx, s.lruKey(), &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return fmt.Errorf("redis zrangebyscore: %w", err)
	}
	if len(tied) == 0 {
		tied = []string{fmt.Sprint(oldest[0].Member)}
	}

	victim := tied[0]
	if len(tied) > 1 {
		counts, err := s.client.HMGet(ctx, s.hitsKey(), tied...).Result()
		if err != nil {
			return fmt.Errorf("redis hmget: %w", err)
		}
		best := int64(-1)
		for i, raw := range counts {
			var hits int64
			if str, ok := raw.(string); ok {
				hits, _ = strconv.ParseInt(str, 10, 64)
			}
			if best < 0 || hits < best {
				best = hits
				victim = tied[i]
			}
		}
	}

	s.logger.Debug("evicting cache entry", zap.String("key", victim))
	return s.Delete(ctx, victim)
}

func (s *RedisStore) forget(ctx context.Context, key string) {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.lruKey(), key)
	pipe.HDel(ctx, s.hitsKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to drop cache index", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key and its index entries.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.entryKey(key))
	pipe.ZRem(ctx, s.lruKey(), key)
	pipe.HDel(ctx, s.hitsKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys returns the live keys, most recently used first.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}
	keys, err := s.client.ZRevRange(ctx, s.lruKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	return keys, nil
}

// Len returns the number of live entries.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, s.lruKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}

// Clear removes every entry under the store prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}

	del := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		del = append(del, s.entryKey(k))
	}
	del = append(del, s.lruKey(), s.hitsKey())
	if err := s.client.Del(ctx, del...).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
