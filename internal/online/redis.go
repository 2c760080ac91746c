package online

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/xtxerr/featurestore/config"
	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/wire"
)

// Redis is an online store backed by a Redis server. Entries are written
// with SET ... EX so expiry is enforced by the server.
type Redis struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// NewRedis connects to the configured Redis server and pings it, so an
// unreachable server fails here rather than on every put.
func NewRedis(cfg Config) (*Redis, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("%w: redis address is required", errors.ErrInvalidConfig)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	r := NewRedisWithClient(client, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRedisConnectTimeout)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.RedisAddr, err)
	}
	return r, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg Config) *Redis {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultConfig().DefaultTTL
	}
	return &Redis{
		client:     client,
		prefix:     cfg.KeyPrefix,
		defaultTTL: ttl,
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewStoreUnavailable("redis ping", err)
	}
	return nil
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, group, entity string, rec feature.Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	err := r.client.Set(ctx, Key(r.prefix, group, entity), wire.MarshalRecord(rec), ttl).Err()
	if err != nil {
		return r.wrap("redis set", err)
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, group, entity string) (feature.Record, bool, error) {
	data, err := r.client.Get(ctx, Key(r.prefix, group, entity)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, r.wrap("redis get", err)
	}

	rec, err := wire.UnmarshalRecord(data)
	if err != nil {
		return nil, false, errors.NewStoreUnavailable("decode online entry", err)
	}
	return rec, true, nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return errors.NewStoreUnavailable(op, err)
}
