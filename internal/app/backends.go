// Package app opens the storage and messaging backends both binaries share.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/queue"
	"classattend/internal/store"
)

const notificationsKey = "notifications"

// Backends holds the opened connections and the repositories built on them.
type Backends struct {
	DB      *store.DB
	Redis   *store.Redis // nil when neither tokens nor the queue use Redis
	Catalog *store.CachedCatalog
	Repos   attendance.Repositories
	Queue   queue.Queue
}

// Open connects to Postgres, applies the schema and selects the token and
// queue backends named in cfg.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Backends, error) {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &Backends{DB: db}
	if cfg.TokenBackend == "redis" || cfg.QueueBackend == "redis" {
		b.Redis = store.NewRedis(cfg.Redis)
		if !b.Redis.Healthy(ctx) {
			log.Warn("Redis not reachable at startup", zap.String("addr", cfg.Redis.Addr))
		}
	}

	pg := store.NewPostgres(db, cfg.CheckIn.Timezone, log)
	var tokens attendance.TokenStore
	switch cfg.TokenBackend {
	case "redis":
		tokens = store.NewRedisTokens(b.Redis, cfg.CheckIn.TokenHistory)
	case "postgres":
		tokens = store.NewPostgresTokens(db, cfg.CheckIn.TokenHistory)
	case "memory":
		tokens = store.NewMemory(cfg.CheckIn.Timezone, cfg.CheckIn.TokenHistory)
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown token backend %q", cfg.TokenBackend)
	}

	switch cfg.QueueBackend {
	case "redis":
		b.Queue = queue.NewRedisQueue(b.Redis.Client, b.Redis.Key(notificationsKey), log)
	default:
		b.Queue = queue.NewInMemory(64)
	}

	b.Catalog = store.NewCachedCatalog(pg, cfg.CheckIn.SessionCacheTTL)
	b.Repos = attendance.Repositories{
		Catalog:    b.Catalog,
		Sessions:   pg,
		Enrollment: pg,
		Records:    pg,
		Tokens:     tokens,
	}
	log.Info("Backends ready",
		zap.String("tokens", cfg.TokenBackend),
		zap.String("queue", cfg.QueueBackend),
	)
	return b, nil
}

// Close releases every connection. It is safe on a partially opened value.
func (b *Backends) Close() error {
	var errs []error
	if b.Catalog != nil {
		b.Catalog.Stop()
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	errs = append(errs, b.DB.Close())
	return errors.Join(errs...)
}

// RedisHealthy reports true when Redis is unused.
func (b *Backends) RedisHealthy(ctx context.Context) bool {
	if b.Redis == nil {
		return true
	}
	return b.Redis.Healthy(ctx)
}
