package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Cache is a read-through JSON cache. Every entry records the generation of
// the dependencies it was built from and stops being served once one of them
// is bumped. Concurrent misses for one key and generation share a single
// load. Redis errors never fail a read; they only skip the cache.
type Cache struct {
	rdb   *redis.Client
	group singleflight.Group
	log   *zap.Logger
}

type cacheEntry struct {
	Gens  []int64         `json:"g"`
	Value json.RawMessage `json:"v"`
}

// storeIfCurrent writes KEYS[1] only while every generation key in KEYS[2:]
// still holds the value read before the load. ARGV: entry, ttl ms, gens...
var storeIfCurrent = redis.NewScript(`
for i = 2, #KEYS do
  if (redis.call('GET', KEYS[i]) or '0') ~= ARGV[i + 1] then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func NewCache(rdb *redis.Client, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{rdb: rdb, log: log}
}

// GetOrLoad serves key while the generations of deps are unchanged, otherwise
// calls load. The loaded value must be JSON.
func (c *Cache) GetOrLoad(ctx context.Context, key string, deps []string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	gens, err := c.generations(ctx, deps)
	cacheable := err == nil
	if !cacheable {
		c.log.Warn("cache generations", zap.String("key", key), zap.Error(err))
	} else if b, ok := c.lookup(ctx, key, gens); ok {
		return b, nil
	}

	v, err, _ := c.group.Do(flightKey(key, gens), func() (any, error) {
		b, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.store(ctx, key, deps, gens, b, ttl)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Bump moves every dep to a new generation, retiring the entries built on it.
func (c *Cache) Bump(ctx context.Context, deps ...string) {
	for _, d := range deps {
		gk := GenerationKey(d)
		if err := c.rdb.Incr(ctx, gk).Err(); err != nil {
			c.log.Warn("cache bump", zap.String("dep", d), zap.Error(err))
			continue
		}
		if err := c.rdb.Expire(ctx, gk, TTLGeneration).Err(); err != nil {
			c.log.Warn("cache bump ttl", zap.String("dep", d), zap.Error(err))
		}
	}
}

func (c *Cache) generations(ctx context.Context, deps []string) ([]int64, error) {
	gens := make([]int64, len(deps))
	if len(deps) == 0 {
		return gens, nil
	}
	vals, err := c.rdb.MGet(ctx, generationKeys(deps)...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("generation of %s: %w", deps[i], err)
		}
		gens[i] = n
	}
	return gens, nil
}

func (c *Cache) lookup(ctx context.Context, key string, gens []int64) ([]byte, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var e cacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		c.log.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !slices.Equal(e.Gens, gens) {
		return nil, false
	}
	return e.Value, true
}

func (c *Cache) store(ctx context.Context, key string, deps []string, gens []int64, value []byte, ttl time.Duration) {
	b, err := json.Marshal(cacheEntry{Gens: gens, Value: value})
	if err != nil {
		c.log.Warn("cache encode", zap.String("key", key), zap.Error(err))
		return
	}
	keys := append([]string{key}, generationKeys(deps)...)
	args := []any{string(b), ttl.Milliseconds()}
	for _, g := range gens {
		args = append(args, strconv.FormatInt(g, 10))
	}
	stored, err := storeIfCurrent.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil {
		c.log.Warn("cache set", zap.String("key", key), zap.Error(err))
		return
	}
	if stored == 0 {
		c.log.Debug("cache set skipped, dependency moved", zap.String("key", key))
	}
}

func flightKey(key string, gens []int64) string {
	var sb strings.Builder
	sb.WriteString(key)
	for _, g := range gens {
		sb.WriteByte('@')
		sb.WriteString(strconv.FormatInt(g, 10))
	}
	return sb.String()
}

func generationKeys(deps []string) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = GenerationKey(d)
	}
	return out
}

func GenerationKey(dep string) string { return fmt.Sprintf(KeyCacheGeneration, dep) }

func OrderDetailKey(orderID string) string { return fmt.Sprintf(KeyOrderDetail, orderID) }

// OrderDep is the dependency bumped when an order row changes.
func OrderDep(orderID string) string { return "order:" + orderID }

// OrderDetailDeps lists what a cached order detail is built from: the order
// row and the user and product summaries joined into it.
func OrderDetailDeps(orderID string) []string { return []string{OrderDep(orderID), DepCatalog} }
