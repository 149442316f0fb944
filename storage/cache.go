package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/pksingh99/jirban-jira/board"
	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/source"
)

// ConfigCache wraps a config store with Redis-backed caching of definitions.
type ConfigCache struct {
	base  source.ConfigStore
	redis *redis.Client
	ttl   time.Duration
}

// NewConfigCache creates a caching config store using the provided Redis
// client and TTL.
func NewConfigCache(base source.ConfigStore, client *redis.Client, ttl time.Duration) *ConfigCache {
	if base == nil {
		panic("storage.NewConfigCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &ConfigCache{base: base, redis: client, ttl: ttl}
}

func (c *ConfigCache) Load(ctx context.Context, boardKey string) (domain.BoardDefinition, error) {
	if def, ok := c.loadFromCache(ctx, boardKey); ok {
		return def, nil
	}
	def, err := c.base.Load(ctx, boardKey)
	if err != nil {
		return domain.BoardDefinition{}, err
	}
	c.store(ctx, boardKey, def)
	return def, nil
}

func (c *ConfigCache) Save(ctx context.Context, boardKey string, def domain.BoardDefinition) error {
	if err := c.base.Save(ctx, boardKey, def); err != nil {
		return err
	}
	c.evict(ctx, boardKey)
	return nil
}

func (c *ConfigCache) loadFromCache(ctx context.Context, boardKey string) (domain.BoardDefinition, bool) {
	if c.redis == nil {
		return domain.BoardDefinition{}, false
	}
	data, err := c.redis.Get(ctx, configCacheKey(boardKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, configCacheKey(boardKey)).Err()
		}
		return domain.BoardDefinition{}, false
	}
	var def domain.BoardDefinition
	if err := sonic.Unmarshal(data, &def); err != nil {
		_ = c.redis.Del(ctx, configCacheKey(boardKey)).Err()
		return domain.BoardDefinition{}, false
	}
	return def, true
}

func (c *ConfigCache) store(ctx context.Context, boardKey string, def domain.BoardDefinition) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(def)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, configCacheKey(boardKey), data, c.ttl).Err()
}

func (c *ConfigCache) evict(ctx context.Context, boardKey string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, configCacheKey(boardKey)).Result()
}

// SnapshotCache keeps the last published snapshot of each board in Redis so
// a restarted instance can serve it before its first refresh completes.
type SnapshotCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl < 0 {
		ttl = 0
	}
	return &SnapshotCache{redis: client, ttl: ttl}
}

func (c *SnapshotCache) Store(ctx context.Context, snap *board.Snapshot) error {
	if c == nil || c.redis == nil || snap == nil {
		return nil
	}
	data, err := sonic.Marshal(snap)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, snapshotCacheKey(snap.Board), data, c.ttl).Err()
}

// Load returns the cached snapshot of a board. A missing or unreadable entry
// reports false.
func (c *SnapshotCache) Load(ctx context.Context, boardKey string) (*board.Snapshot, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey(boardKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, snapshotCacheKey(boardKey)).Err()
		}
		return nil, false
	}
	var snap board.Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, snapshotCacheKey(boardKey)).Err()
		return nil, false
	}
	return &snap, true
}

func (c *SnapshotCache) Evict(ctx context.Context, boardKey string) error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, snapshotCacheKey(boardKey)).Err()
}

func configCacheKey(boardKey string) string {
	return "board:" + boardKey + ":config"
}

func snapshotCacheKey(boardKey string) string {
	return "board:" + boardKey + ":snapshot"
}
