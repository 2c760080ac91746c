// Package online implements the low-latency feature serving path.
//
// An online entry holds the latest full record of one entity in one group,
// serialized with the wire codec and keyed by "{group}:{entity}". Writes
// overwrite unconditionally and set a fresh expiry. Expired entries are
// invisible to readers; the only eviction mechanism is TTL.
package online

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/featurestore/config"
	"github.com/xtxerr/featurestore/internal/constants"
	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
)

// Store is an online key-value store of feature records.
type Store interface {
	// Put overwrites the entry for (group, entity). A ttl <= 0 uses the
	// configured default.
	Put(ctx context.Context, group, entity string, rec feature.Record, ttl time.Duration) error

	// Get returns the live entry for (group, entity). Expired and never
	// written entries both report found == false.
	Get(ctx context.Context, group, entity string) (rec feature.Record, found bool, err error)

	// Close releases backend resources.
	Close() error
}

// Config configures the online store.
type Config struct {
	// Backend is memory or redis.
	Backend string

	// DefaultTTL applies to puts without an explicit TTL.
	DefaultTTL time.Duration

	// Timeout bounds each call. Zero disables the bound.
	Timeout time.Duration

	// SweepInterval enables the memory backend's expired-entry sweep.
	SweepInterval time.Duration

	// KeyPrefix is prepended to every key.
	KeyPrefix string

	// Redis connection settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:       config.DefaultOnlineBackend,
		DefaultTTL:    config.DefaultOnlineTTL,
		Timeout:       config.DefaultOnlineTimeout,
		SweepInterval: config.DefaultOnlineSweepInterval,
		RedisAddr:     config.DefaultRedisAddr,
	}
}

// New creates the configured backend wrapped with the call timeout.
func New(cfg Config) (Store, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = config.DefaultOnlineTTL
	}

	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "", constants.BackendMemory:
		s = NewMemory(cfg)
	case constants.BackendRedis:
		s, err = NewRedis(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown online backend %q", errors.ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return WithTimeout(s, cfg.Timeout), nil
}

// Key returns the storage key for an entity.
func Key(prefix, group, entity string) string {
	return prefix + group + ":" + entity
}

// =============================================================================
// Timeout
// =============================================================================

type timeoutStore struct {
	Store
	timeout time.Duration
}

// WithTimeout bounds every call to s by timeout. Deadline expiry is
// reported as errors.ErrTimeout.
func WithTimeout(s Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return s
	}
	return &timeoutStore{Store: s, timeout: timeout}
}

func (t *timeoutStore) Put(ctx context.Context, group, entity string, rec feature.Record, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return mapContextErr("online put", t.Store.Put(ctx, group, entity, rec, ttl))
}

func (t *timeoutStore) Get(ctx context.Context, group, entity string) (feature.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	rec, found, err := t.Store.Get(ctx, group, entity)
	return rec, found, mapContextErr("online get", err)
}

func mapContextErr(op string, err error) error {
	if err == nil || errors.Is(err, errors.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, errors.ErrTimeout, err)
	}
	return err
}
