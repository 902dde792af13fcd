package store

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"classattend/internal/config"
)

// Redis wraps a redis client and the key namespace the engine writes under.
type Redis struct {
	Client *redis.Client
	prefix string
}

// NewRedis connects to redis with short timeouts. The connection is lazy;
// use Healthy to check it.
func NewRedis(cfg config.Redis) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client, prefix: cfg.KeyPrefix}
}

// Key joins parts under the configured prefix, e.g. "classattend:token:s1".
func (r *Redis) Key(parts ...string) string {
	if r.prefix == "" {
		return strings.Join(parts, ":")
	}
	return r.prefix + ":" + strings.Join(parts, ":")
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Close closes the client.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
