package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/validation"
)

// GroupSpec describes a feature group to register.
type GroupSpec struct {
	Name           string
	EntityColumns  []string
	OnlineEnabled  bool
	OfflineEnabled bool
	Description    string
}

// FeatureSpec describes a feature to add to a group.
type FeatureSpec struct {
	Name           string
	DType          feature.DType
	Transformation json.RawMessage
	Description    string
}

// RegisterGroup creates a feature group and returns its id.
func (r *Registry) RegisterGroup(ctx context.Context, spec GroupSpec) (int64, error) {
	if r.closed.Load() {
		return 0, errors.ErrClosed
	}

	if err := validation.ValidateGroupName(spec.Name); err != nil {
		return 0, errors.NewInvalidSchema(err.Error())
	}
	if err := validation.ValidateEntityColumns(spec.EntityColumns, feature.IngestionTimestampColumn); err != nil {
		return 0, errors.NewInvalidSchema(err.Error())
	}

	columnsJSON, err := json.Marshal(spec.EntityColumns)
	if err != nil {
		return 0, fmt.Errorf("marshal entity columns: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feature_groups WHERE name = ?)`, spec.Name,
	).Scan(&exists)
	if err != nil {
		return 0, errors.NewStoreUnavailable("check group name", err)
	}
	if exists {
		return 0, errors.NewDuplicateName(spec.Name)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO feature_groups (name, description, entity_columns, online_enabled, offline_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, spec.Name, nullString(spec.Description), string(columnsJSON),
		spec.OnlineEnabled, spec.OfflineEnabled, now(),
	).Scan(&id)
	if err != nil {
		return 0, errors.NewStoreUnavailable("insert feature group", err)
	}

	r.log.Info("feature group registered",
		"group", spec.Name,
		"id", id,
		"entity_columns", spec.EntityColumns,
		"online", spec.OnlineEnabled,
		"offline", spec.OfflineEnabled,
	)
	return id, nil
}

// AddFeature declares a feature in an existing group and returns its id.
// The group's cached snapshot is invalidated before returning, so the next
// ingest validates against the new schema.
func (r *Registry) AddFeature(ctx context.Context, ref Ref, spec FeatureSpec) (int64, error) {
	if r.closed.Load() {
		return 0, errors.ErrClosed
	}

	if err := validation.ValidateFeatureName(spec.Name); err != nil {
		return 0, errors.NewInvalidSchema(err.Error())
	}
	dtype, err := feature.ParseDType(string(spec.DType))
	if err != nil {
		return 0, errors.NewInvalidSchema(err.Error())
	}
	if len(spec.Transformation) > 0 && !json.Valid(spec.Transformation) {
		return 0, errors.NewInvalidSchema(fmt.Sprintf("feature %q: transformation is not valid JSON", spec.Name))
	}
	if spec.Name == feature.IngestionTimestampColumn {
		return 0, errors.NewInvalidSchema(fmt.Sprintf("feature name %q is reserved", spec.Name))
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	group, err := r.load(ctx, ref)
	if err != nil {
		return 0, err
	}
	if group.IsEntityColumn(spec.Name) {
		return 0, errors.NewInvalidSchema(fmt.Sprintf("feature %q collides with an entity column", spec.Name))
	}
	if _, ok := group.Feature(spec.Name); ok {
		return 0, errors.NewDuplicateFeatureName(group.Name, spec.Name)
	}

	var transformation any
	if len(spec.Transformation) > 0 {
		transformation = string(spec.Transformation)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO features (group_id, name, dtype, transformation, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, group.ID, spec.Name, string(dtype), transformation, nullString(spec.Description), now(),
	).Scan(&id)
	if err != nil {
		return 0, errors.NewStoreUnavailable("insert feature", err)
	}

	r.invalidate(group.ID)

	r.log.Info("feature added",
		"group", group.Name,
		"feature", spec.Name,
		"dtype", dtype,
		"id", id,
	)
	return id, nil
}

// GetGroup returns the schema snapshot of a group.
// The snapshot is shared and must not be modified.
func (r *Registry) GetGroup(ctx context.Context, ref Ref) (*feature.Group, error) {
	if r.closed.Load() {
		return nil, errors.ErrClosed
	}

	key := ref.cacheKey()
	if r.cfg.CacheTTL > 0 {
		if v, ok := r.cache.Load(key); ok {
			entry := v.(*cacheEntry)
			if time.Since(entry.createdAt) < r.cfg.CacheTTL {
				return entry.group, nil
			}
		}
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		gen := r.gen.Load()
		group, err := r.load(ctx, ref)
		if err != nil {
			return nil, err
		}
		if r.cfg.CacheTTL > 0 && r.gen.Load() == gen {
			r.store(key, group)
		}
		return group, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*feature.Group), nil
}

// ListGroups returns every group whose name starts with prefix, ordered by
// name. An empty prefix lists all groups.
func (r *Registry) ListGroups(ctx context.Context, prefix string) ([]*feature.Group, error) {
	if r.closed.Load() {
		return nil, errors.ErrClosed
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, entity_columns, online_enabled, offline_enabled, created_at
		FROM feature_groups
		WHERE name LIKE ? ESCAPE '\'
		ORDER BY name
	`, validation.SafeLikePrefix(prefix))
	if err != nil {
		return nil, errors.NewStoreUnavailable("list feature groups", err)
	}
	defer rows.Close()

	var groups []*feature.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailable("list feature groups", err)
	}

	for _, g := range groups {
		if g.Features, err = r.loadFeatures(ctx, g.ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// =============================================================================
// Loading
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(s rowScanner) (*feature.Group, error) {
	var (
		g           feature.Group
		description sql.NullString
		columns     string
	)
	if err := s.Scan(&g.ID, &g.Name, &description, &columns,
		&g.OnlineEnabled, &g.OfflineEnabled, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.Description = description.String
	g.CreatedAt = g.CreatedAt.UTC()

	if err := json.Unmarshal([]byte(columns), &g.EntityColumns); err != nil {
		return nil, fmt.Errorf("group %s: decode entity columns: %w", g.Name, errors.ErrCorrupt)
	}
	return &g, nil
}

func (r *Registry) load(ctx context.Context, ref Ref) (*feature.Group, error) {
	query := `
		SELECT id, name, description, entity_columns, online_enabled, offline_enabled, created_at
		FROM feature_groups WHERE `
	var arg any
	if ref.Name != "" {
		query += "name = ?"
		arg = ref.Name
	} else {
		query += "id = ?"
		arg = ref.ID
	}

	g, err := scanGroup(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, errors.NewGroupNotFound(ref.String())
	}
	if err != nil {
		if errors.Is(err, errors.ErrCorrupt) {
			return nil, err
		}
		return nil, errors.NewStoreUnavailable("load feature group", err)
	}

	if g.Features, err = r.loadFeatures(ctx, g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Registry) loadFeatures(ctx context.Context, groupID int64) ([]feature.Feature, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, group_id, name, dtype, transformation, description, created_at
		FROM features WHERE group_id = ?
		ORDER BY id
	`, groupID)
	if err != nil {
		return nil, errors.NewStoreUnavailable("load features", err)
	}
	defer rows.Close()

	features := []feature.Feature{}
	for rows.Next() {
		var (
			f              feature.Feature
			dtype          string
			transformation sql.NullString
			description    sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.GroupID, &f.Name, &dtype,
			&transformation, &description, &f.CreatedAt); err != nil {
			return nil, errors.NewStoreUnavailable("scan feature", err)
		}
		f.DType = feature.DType(dtype)
		f.Description = description.String
		f.CreatedAt = f.CreatedAt.UTC()
		if transformation.Valid {
			f.Transformation = json.RawMessage(transformation.String)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailable("load features", err)
	}
	return features, nil
}

// =============================================================================
// Cache
// =============================================================================

func (r *Registry) store(key string, g *feature.Group) {
	r.cache.Store(key, &cacheEntry{group: g, createdAt: time.Now()})

	// A group is reachable by id and by name; track both keys.
	keys := []string{ByID(g.ID).cacheKey(), ByName(g.Name).cacheKey()}
	if key != keys[0] && key != keys[1] {
		keys = append(keys, key)
	}
	r.byGroup.Store(g.ID, keys)
}

func (r *Registry) invalidate(groupID int64) {
	r.gen.Add(1)

	keys := []string{ByID(groupID).cacheKey()}
	if v, ok := r.byGroup.LoadAndDelete(groupID); ok {
		keys = v.([]string)
	}
	for _, k := range keys {
		r.cache.Delete(k)
		r.flight.Forget(k)
	}
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
