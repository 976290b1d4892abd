// Package bootstrap builds the store backend and queue connections selected by
// configuration. It is shared by the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/siteforge/engine/internal/repository"
	"github.com/siteforge/engine/internal/repository/memory"
	"github.com/siteforge/engine/internal/repository/redisstore"
	"github.com/siteforge/engine/pkg/config"
	"github.com/siteforge/engine/pkg/database"
	"github.com/siteforge/engine/pkg/logger"
)

// Backend is an opened store plus a readiness probe for it.
type Backend struct {
	*repository.Stores
	Driver string
	Ping   func(ctx context.Context) error
}

// Shared reports whether other processes may see the same data, which is what
// makes startup recovery meaningful.
func (b *Backend) Shared() bool { return b.Driver != config.StoreMemory }

// OpenStores opens the backend named by cfg.StoreDriver. Postgres schemas are
// migrated when the app runs in development.
func OpenStores(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return &Backend{
			Stores: memory.NewStores(),
			Driver: cfg.StoreDriver,
			Ping:   func(context.Context) error { return nil },
		}, nil

	case config.StorePostgres:
		db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, database.Options{Verbose: cfg.IsDevelopment()})
		if err != nil {
			return nil, err
		}
		if cfg.IsDevelopment() {
			if err := repository.Migrate(db); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.L().Info("database schema migrated")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		return &Backend{
			Stores: repository.NewGormStores(db),
			Driver: cfg.StoreDriver,
			Ping:   sqlDB.PingContext,
		}, nil

	case config.StoreRedis:
		rdb := redis.NewClient(RedisOptions(cfg))
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return &Backend{
			Stores: redisstore.NewStores(rdb),
			Driver: cfg.StoreDriver,
			Ping:   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Close releases the backend. Safe on in-process stores.
func (b *Backend) Close() {
	if b.Stores == nil || b.Stores.Close == nil {
		return
	}
	if err := b.Stores.Close(); err != nil {
		logger.L().Warn("store close failed", zap.String("driver", b.Driver), zap.Error(err))
	}
}

// RedisOptions returns go-redis options for the configured server.
func RedisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// AsynqRedis returns the asynq connection option for the configured server.
func AsynqRedis(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}
