package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/online"
	"github.com/xtxerr/featurestore/internal/registry"
)

// Groups resolves references against a fixed set of groups.
type Groups struct {
	mu     sync.RWMutex
	groups []*feature.Group
}

// NewGroups returns a resolver over groups.
func NewGroups(groups ...*feature.Group) *Groups {
	return &Groups{groups: groups}
}

// Set replaces a group by name, adding it if needed.
func (g *Groups) Set(group *feature.Group) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.groups {
		if existing.Name == group.Name {
			g.groups[i] = group
			return
		}
	}
	g.groups = append(g.groups, group)
}

// GetGroup implements the resolver interfaces.
func (g *Groups) GetGroup(_ context.Context, ref registry.Ref) (*feature.Group, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, group := range g.groups {
		if (ref.Name != "" && group.Name == ref.Name) || (ref.Name == "" && group.ID == ref.ID) {
			return group, nil
		}
	}
	return nil, errors.NewGroupNotFound(ref.String())
}

// FaultyOnline wraps an online store, injecting errors and latency.
type FaultyOnline struct {
	online.Store

	PutErr error
	GetErr error

	// Delay is applied before every call and honours cancellation.
	Delay time.Duration
}

func (f *FaultyOnline) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put implements online.Store.
func (f *FaultyOnline) Put(ctx context.Context, group, entity string, rec feature.Record, ttl time.Duration) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	if f.PutErr != nil {
		return f.PutErr
	}
	return f.Store.Put(ctx, group, entity, rec, ttl)
}

// Get implements online.Store.
func (f *FaultyOnline) Get(ctx context.Context, group, entity string) (feature.Record, bool, error) {
	if err := f.wait(ctx); err != nil {
		return nil, false, err
	}
	if f.GetErr != nil {
		return nil, false, f.GetErr
	}
	return f.Store.Get(ctx, group, entity)
}

// Offline records appended rows in memory.
type Offline struct {
	mu   sync.Mutex
	rows map[string][]feature.Record

	// Err fails every Append.
	Err error
}

// NewOffline returns an empty in-memory offline store.
func NewOffline() *Offline {
	return &Offline{rows: make(map[string][]feature.Record)}
}

// Append implements ingestion.OfflineAppender.
func (o *Offline) Append(ctx context.Context, g *feature.Group, records []feature.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.Err != nil {
		return o.Err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rows[g.Name] = append(o.rows[g.Name], records...)
	return nil
}

// Rows returns the records appended to group.
func (o *Offline) Rows(group string) []feature.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]feature.Record(nil), o.rows[group]...)
}
