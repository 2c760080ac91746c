package online

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/wire"
)

// Memory is an in-process online store.
//
// Expiry is evaluated on every read. With a positive sweep interval a
// janitor goroutine additionally deletes entries that have already expired,
// which only reclaims memory and never changes what readers observe.
type Memory struct {
	cache  *cache.Cache
	prefix string
}

// NewMemory creates an in-process online store.
func NewMemory(cfg Config) *Memory {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultConfig().DefaultTTL
	}
	// A non-positive cleanup interval disables the janitor.
	return &Memory{
		cache:  cache.New(ttl, cfg.SweepInterval),
		prefix: cfg.KeyPrefix,
	}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, group, entity string, rec feature.Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	m.cache.Set(Key(m.prefix, group, entity), wire.MarshalRecord(rec), ttl)
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, group, entity string) (feature.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	x, found := m.cache.Get(Key(m.prefix, group, entity))
	if !found {
		return nil, false, nil
	}

	rec, err := wire.UnmarshalRecord(x.([]byte))
	if err != nil {
		return nil, false, errors.NewStoreUnavailable("decode online entry", err)
	}
	return rec, true, nil
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}

// Sweep deletes all expired entries.
func (m *Memory) Sweep() {
	m.cache.DeleteExpired()
}

// Close implements Store.
func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}
