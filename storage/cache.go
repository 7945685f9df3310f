package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

const (
	tasksCacheKey = "taskboard:tasks"
	usersCacheKey = "taskboard:users"
	genSuffix     = ":gen"
)

// fillScript sets KEYS[1] only while the generation in KEYS[2] still equals
// the one observed before the backing store was read.
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2])
if not gen then gen = "0" end
if gen ~= ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// Cache wraps a record store with Redis-backed caching for the full task and
// user lists. Every write through the cache bumps the list's generation and
// evicts it; a fill that raced a write is discarded.
type Cache struct {
	domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client or zero TTL disables caching.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if c.load(ctx, tasksCacheKey, &tasks) {
		return tasks, nil
	}
	gen, ok := c.generation(ctx, tasksCacheKey)
	tasks, err := c.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, tasksCacheKey, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if c.load(ctx, usersCacheKey, &users) {
		return users, nil
	}
	gen, ok := c.generation(ctx, usersCacheKey)
	users, err := c.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, usersCacheKey, gen, users)
	}
	return users, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	stored, err := c.Store.InsertTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, tasksCacheKey)
	return stored, nil
}

func (c *Cache) UpdateTask(ctx context.Context, t domain.Task, revision int64) (domain.Task, error) {
	stored, err := c.Store.UpdateTask(ctx, t, revision)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, tasksCacheKey)
	return stored, nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	removed, err := c.Store.DeleteTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, tasksCacheKey)
	return removed, nil
}

func (c *Cache) InsertUser(ctx context.Context, u domain.User) error {
	if err := c.Store.InsertUser(ctx, u); err != nil {
		return err
	}
	c.evict(ctx, usersCacheKey)
	return nil
}

func (c *Cache) load(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.ttl == 0 {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

// generation returns the current write generation of key. ok is false when
// caching is off or Redis cannot be read, in which case nothing is filled.
func (c *Cache) generation(ctx context.Context, key string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, key+genSuffix).Result()
	switch {
	case err == redis.Nil:
		return "0", true
	case err != nil:
		return "", false
	}
	return gen, true
}

func (c *Cache) store(ctx context.Context, key, gen string, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = fillScript.Run(ctx, c.redis, []string{key, key + genSuffix}, gen, data, c.ttl.Milliseconds()).Err()
}

// evict runs after the store committed, so it must not be cut short by the
// caller's cancellation.
func (c *Cache) evict(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, key+genSuffix)
		p.Del(ctx, key)
		return nil
	})
}
