// Package retrieval serves feature values to consumers: point lookups from
// the online store and batch history from the offline store. Reads have no
// side effects, so cancelling one is always safe.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/logging"
	"github.com/xtxerr/featurestore/internal/metrics"
	"github.com/xtxerr/featurestore/internal/online"
	"github.com/xtxerr/featurestore/internal/registry"
)

// GroupResolver resolves group references to schema snapshots.
type GroupResolver interface {
	GetGroup(ctx context.Context, ref registry.Ref) (*feature.Group, error)
}

// OfflineReader reads a group's history.
type OfflineReader interface {
	GetBatch(ctx context.Context, g *feature.Group, entityKeys []string, features []string, mode feature.Mode) (*feature.Table, error)
}

// Service answers online and offline lookups.
type Service struct {
	groups  GroupResolver
	online  online.Store
	offline OfflineReader
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a retrieval service. m may be nil.
func New(groups GroupResolver, onlineStore online.Store, offlineStore OfflineReader, m *metrics.Metrics) *Service {
	return &Service{
		groups:  groups,
		online:  onlineStore,
		offline: offlineStore,
		metrics: m,
		log:     logging.Component("retrieval"),
	}
}

// GetOnline returns the current record of an entity. An expired entry is
// indistinguishable from one never written; both fail with
// errors.ErrEntityNotFound. An unknown group fails with
// errors.ErrGroupNotFound.
func (s *Service) GetOnline(ctx context.Context, ref registry.Ref, entityID string) (feature.Record, error) {
	g, err := s.groups.GetGroup(ctx, ref)
	if err != nil {
		return nil, err
	}

	rec, found, err := s.online.Get(ctx, g.Name, entityID)
	if err != nil {
		return nil, err
	}
	s.metrics.OnlineLookup(found)

	if !found {
		return nil, fmt.Errorf("entity '%s' in group '%s': %w", entityID, g.Name, errors.ErrEntityNotFound)
	}
	return rec, nil
}

// GetOffline returns the history of the given entities. features projects
// the feature columns, nil meaning all. An empty mode means
// feature.ModeAll. An unknown group yields an empty table.
func (s *Service) GetOffline(ctx context.Context, ref registry.Ref, entityIDs []string, features []string, mode feature.Mode) (*feature.Table, error) {
	g, err := s.groups.GetGroup(ctx, ref)
	if errors.Is(err, errors.ErrGroupNotFound) {
		s.log.Debug("offline lookup of unknown group", "group", ref.String())
		return &feature.Table{}, nil
	}
	if err != nil {
		return nil, err
	}

	if mode == "" {
		mode = feature.ModeAll
	}

	return s.offline.GetBatch(ctx, g, entityIDs, features, mode)
}
