package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"taskboard/config"
	"taskboard/domain"
	"taskboard/storage"
)

// backend is an opened record store together with the Redis client, if any,
// that was used to wrap it.
type backend struct {
	store domain.Store
	redis *redis.Client
	close func()
}

// openBackend opens the configured store and, when Redis is configured,
// wraps it in the read-through cache.
func openBackend(cfg config.Config) (*backend, error) {
	var (
		store   domain.Store
		closers []func()
	)
	switch cfg.StoreBackend {
	case config.BackendTables:
		s, err := storage.NewTables(cfg.StorageConnectionString, cfg.TasksTable, cfg.UsersTable, cfg.LogsTable)
		if err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		store = s
	case config.BackendSQLite:
		s, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		store = s
		closers = append(closers, func() { _ = s.Close() })
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	b := &backend{store: store}
	opts, err := cfg.RedisOptions()
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	if opts != nil {
		b.redis = redis.NewClient(opts)
		rc := b.redis
		closers = append(closers, func() { _ = rc.Close() })
		if cfg.CacheTTL > 0 {
			b.store = storage.NewCache(store, rc, cfg.CacheTTL)
		}
	}
	b.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return b, nil
}
