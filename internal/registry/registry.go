// Package registry is the authoritative store of feature group and feature
// definitions.
//
// Definitions live in DuckDB tables. Schema snapshots handed to the
// ingestion and retrieval paths are cached per group and reloaded through a
// singleflight group, so a burst of ingests for a cold group issues one query.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/featurestore/config"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/logging"
)

// Config configures the registry.
type Config struct {
	// DSN is the DuckDB database path. Empty means in-memory.
	DSN string

	// CacheTTL is how long a schema snapshot is served from cache.
	// Zero disables caching.
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DSN:      config.DefaultRegistryDSN,
		CacheTTL: config.DefaultRegistryCacheTTL,
	}
}

// Ref identifies a feature group by id or by name.
type Ref struct {
	ID   int64
	Name string
}

// ByID returns a Ref for a group id.
func ByID(id int64) Ref { return Ref{ID: id} }

// ByName returns a Ref for a group name.
func ByName(name string) Ref { return Ref{Name: name} }

// ParseRef parses "#<id>" as an id reference and anything else as a name.
func ParseRef(s string) Ref {
	if len(s) > 1 && s[0] == '#' {
		if id, err := strconv.ParseInt(s[1:], 10, 64); err == nil {
			return ByID(id)
		}
	}
	return ByName(s)
}

// String renders the reference.
func (r Ref) String() string {
	if r.Name != "" {
		return r.Name
	}
	return "#" + strconv.FormatInt(r.ID, 10)
}

func (r Ref) cacheKey() string {
	if r.Name != "" {
		return "name:" + r.Name
	}
	return "id:" + strconv.FormatInt(r.ID, 10)
}

type cacheEntry struct {
	group     *feature.Group
	createdAt time.Time
}

// Registry stores feature group definitions.
//
// Registry is safe for concurrent use.
type Registry struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger

	// writeMu serializes definition changes so duplicate checks and inserts
	// are atomic with respect to each other.
	writeMu sync.Mutex

	cache   sync.Map // cacheKey -> *cacheEntry
	byGroup sync.Map // group id -> []string cache keys
	flight  singleflight.Group
	// gen advances on every invalidation. Loads started under an older
	// generation are not cached.
	gen atomic.Uint64

	closed atomic.Bool
}

// Open opens the registry database and creates its tables if needed.
func Open(ctx context.Context, cfg Config) (*Registry, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry database: %w", err)
	}

	r := &Registry{
		db:  db,
		cfg: cfg,
		log: logging.Component("registry"),
	}

	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "feature_groups_id_seq",
			sql:  `CREATE SEQUENCE IF NOT EXISTS feature_groups_id_seq START 1`,
		},
		{
			name: "features_id_seq",
			sql:  `CREATE SEQUENCE IF NOT EXISTS features_id_seq START 1`,
		},
		{
			name: "feature_groups",
			sql: `CREATE TABLE IF NOT EXISTS feature_groups (
				id              BIGINT PRIMARY KEY DEFAULT nextval('feature_groups_id_seq'),
				name            VARCHAR NOT NULL UNIQUE,
				description     VARCHAR,
				entity_columns  VARCHAR NOT NULL,
				online_enabled  BOOLEAN NOT NULL,
				offline_enabled BOOLEAN NOT NULL,
				created_at      TIMESTAMP NOT NULL
			)`,
		},
		{
			name: "features",
			sql: `CREATE TABLE IF NOT EXISTS features (
				id             BIGINT PRIMARY KEY DEFAULT nextval('features_id_seq'),
				group_id       BIGINT NOT NULL REFERENCES feature_groups(id),
				name           VARCHAR NOT NULL,
				dtype          VARCHAR NOT NULL,
				transformation VARCHAR,
				description    VARCHAR,
				created_at     TIMESTAMP NOT NULL,
				UNIQUE (group_id, name)
			)`,
		},
	}

	for _, m := range migrations {
		if _, err := r.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		r.log.Debug("migration applied", "name", m.name)
	}
	return nil
}
