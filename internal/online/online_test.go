package online

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
)

func record(age int64) feature.Record {
	return feature.Record{"user_id": feature.String("u1"), "age": feature.Int(age)}
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory(DefaultConfig())
	defer m.Close()
	ctx := context.Background()

	if _, found, err := m.Get(ctx, "user_features", "u1"); err != nil || found {
		t.Fatalf("expected miss before put, got found=%v err=%v", found, err)
	}

	if err := m.Put(ctx, "user_features", "u1", record(30), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := m.Get(ctx, "user_features", "u1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if !got.Equal(record(30)) {
		t.Errorf("unexpected record %v", got)
	}

	// Same entity in another group is a different key.
	if _, found, _ := m.Get(ctx, "other_group", "u1"); found {
		t.Error("entries must be scoped by group")
	}
}

func TestMemoryOverwrite(t *testing.T) {
	m := NewMemory(DefaultConfig())
	ctx := context.Background()

	m.Put(ctx, "g", "u1", feature.Record{"user_id": feature.String("u1"), "age": feature.Int(30), "score": feature.Float(1)}, 0)
	m.Put(ctx, "g", "u1", record(31), 0)

	got, _, _ := m.Get(ctx, "g", "u1")
	if !got.Equal(record(31)) {
		t.Errorf("expected whole-record overwrite, got %v", got)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(DefaultConfig())
	ctx := context.Background()

	if err := m.Put(ctx, "g", "u1", record(1), 50*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, found, _ := m.Get(ctx, "g", "u1"); !found {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(120 * time.Millisecond)

	if _, found, _ := m.Get(ctx, "g", "u1"); found {
		t.Error("expected miss after expiry")
	}
	// Lazy expiry: the entry is still held until swept.
	if m.Len() != 1 {
		t.Errorf("expected unswept entry, got %d", m.Len())
	}
	m.Sweep()
	if m.Len() != 0 {
		t.Errorf("expected sweep to remove entry, got %d", m.Len())
	}

	// Re-ingest after expiry makes the entity visible again.
	m.Put(ctx, "g", "u1", record(2), time.Minute)
	if got, found, _ := m.Get(ctx, "g", "u1"); !found || !got.Equal(record(2)) {
		t.Errorf("expected fresh entry, got %v %v", got, found)
	}
}

func TestMemoryCanceledContext(t *testing.T) {
	m := NewMemory(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Put(ctx, "g", "u1", record(1), 0); err == nil {
		t.Error("expected error for canceled context")
	}
	if _, _, err := m.Get(ctx, "g", "u1"); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestMemoryConcurrentPuts(t *testing.T) {
	m := NewMemory(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Put(ctx, "g", "u1", record(int64(i)), 0)
		}(i)
	}
	wg.Wait()

	// Last applied wins; any single writer's full record is acceptable.
	got, found, err := m.Get(ctx, "g", "u1")
	if err != nil || !found {
		t.Fatalf("Get: %v %v", found, err)
	}
	age := got["age"].AsInt()
	if age < 0 || age >= 50 || len(got) != 2 {
		t.Errorf("torn or unexpected record %v", got)
	}
}

func TestKeyPrefix(t *testing.T) {
	if k := Key("features:", "user_features", "u1"); k != "features:user_features:u1" {
		t.Errorf("unexpected key %s", k)
	}
	if k := Key("", "g", "a:b"); k != "g:a:b" {
		t.Errorf("unexpected key %s", k)
	}
}

type slowStore struct {
	delay time.Duration
}

func (s *slowStore) Put(ctx context.Context, group, entity string, rec feature.Record, ttl time.Duration) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowStore) Get(ctx context.Context, group, entity string) (feature.Record, bool, error) {
	return nil, false, s.Put(ctx, group, entity, nil, 0)
}

func (s *slowStore) Close() error { return nil }

func TestWithTimeout(t *testing.T) {
	s := WithTimeout(&slowStore{delay: time.Second}, 20*time.Millisecond)

	start := time.Now()
	err := s.Put(context.Background(), "g", "u1", record(1), 0)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout did not bound the call")
	}

	if _, _, err := s.Get(context.Background(), "g", "u1"); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("expected ErrTimeout on get, got %v", err)
	}

	fast := WithTimeout(&slowStore{delay: 0}, time.Second)
	if err := fast.Put(context.Background(), "g", "u1", record(1), 0); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "memcached"
	if _, err := New(cfg); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "redis"
	cfg.RedisAddr = "127.0.0.1:1"

	s, err := New(cfg)
	if err == nil {
		s.Close()
		t.Fatal("expected New to fail for an unreachable server")
	}
	if !errors.Is(err, errors.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

// TestRedis runs against a live server when FEATURESTORE_TEST_REDIS_ADDR is set.
func TestRedis(t *testing.T) {
	addr := os.Getenv("FEATURESTORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FEATURESTORE_TEST_REDIS_ADDR not set")
	}

	cfg := DefaultConfig()
	cfg.Backend = "redis"
	cfg.RedisAddr = addr
	cfg.KeyPrefix = fmt.Sprintf("fstest:%d:", time.Now().UnixNano())
	cfg.Timeout = time.Second

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "g", "u1", record(7), time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, found, err := s.Get(ctx, "g", "u1")
	if err != nil || !found || !got.Equal(record(7)) {
		t.Fatalf("Get: %v %v %v", got, found, err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, found, err := s.Get(ctx, "g", "u1"); err != nil || found {
		t.Errorf("expected expiry, got found=%v err=%v", found, err)
	}
}
