package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/config"
)

// Open returns the persistence backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (core.Persistence, error) {
	switch cfg.Backend {
	case config.StorageMemory, "":
		return NewInMemoryBackend(), nil
	case config.StorageBadger:
		return OpenBadger(filepath.Join(cfg.Path, "badger"))
	case config.StorageSQLite:
		return OpenSQLite(cfg.Path)
	case config.StorageRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// IsLocal reports whether the backend keeps its data under cfg.Path.
func IsLocal(cfg config.StorageConfig) bool {
	return cfg.Backend == config.StorageBadger || cfg.Backend == config.StorageSQLite
}
