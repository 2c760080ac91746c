// Package ingestion writes validated feature records to the storage paths
// a feature group enables.
//
// The online and offline writes run concurrently and independently. There
// is no transaction across them: when exactly one path fails, the caller
// gets a *errors.PartialFailureError naming it, and the other path's write
// stands. Nothing is retried here; retrying an ingest whose offline write
// succeeded appends a second historical row.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

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

// OfflineAppender appends records to a group's history.
type OfflineAppender interface {
	Append(ctx context.Context, g *feature.Group, records []feature.Record) error
}

// Outcome is the result of one storage path.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result reports what an ingest did on each path.
type Result struct {
	GroupID int64
	Group   string
	Records int

	Online     Outcome
	Offline    Outcome
	OnlineErr  error
	OfflineErr error
}

// Config configures the coordinator.
type Config struct {
	// OnlineTTL is passed to online puts. Zero uses the store default.
	OnlineTTL time.Duration

	// OnlineTimeout bounds the whole online write of one ingest call,
	// however many records it carries. Zero disables the bound.
	OnlineTimeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Coordinator validates records and writes them through.
type Coordinator struct {
	groups  GroupResolver
	online  online.Store
	offline OfflineAppender
	cfg     Config
	log     *slog.Logger
}

// New creates a coordinator.
func New(groups GroupResolver, onlineStore online.Store, offlineStore OfflineAppender, cfg Config) *Coordinator {
	return &Coordinator{
		groups:  groups,
		online:  onlineStore,
		offline: offlineStore,
		cfg:     cfg,
		log:     logging.Component("ingestion"),
	}
}

// Ingest validates rec against the group and writes it to the enabled
// paths. A group with neither path enabled makes this a successful no-op.
func (c *Coordinator) Ingest(ctx context.Context, ref registry.Ref, rec feature.Record) (Result, error) {
	return c.IngestBatch(ctx, ref, []feature.Record{rec})
}

// IngestBatch validates every record before writing any. One violating
// record rejects the whole batch. Records are put online one by one and
// appended offline in a single call.
func (c *Coordinator) IngestBatch(ctx context.Context, ref registry.Ref, records []feature.Record) (Result, error) {
	start := time.Now()
	res := Result{Online: OutcomeSkipped, Offline: OutcomeSkipped}

	g, err := c.groups.GetGroup(ctx, ref)
	if err != nil {
		return res, err
	}
	res.GroupID = g.ID
	res.Group = g.Name

	normalized := make([]feature.Record, len(records))
	for i, rec := range records {
		n, err := validateRecord(g, rec)
		if err != nil {
			c.cfg.Metrics.ObserveIngest(metrics.OutcomeRejected, time.Since(start))
			if len(records) > 1 {
				return res, fmt.Errorf("record %d: %w", i, err)
			}
			return res, err
		}
		normalized[i] = n
	}
	res.Records = len(normalized)

	if len(normalized) == 0 || (!g.OnlineEnabled && !g.OfflineEnabled) {
		c.cfg.Metrics.ObserveIngest(metrics.OutcomeNoop, time.Since(start))
		return res, nil
	}

	// Each path records its own error; neither cancels the other.
	var eg errgroup.Group
	if g.OnlineEnabled {
		eg.Go(func() error {
			res.OnlineErr = c.writeOnline(ctx, g, normalized)
			return nil
		})
	}
	if g.OfflineEnabled {
		eg.Go(func() error {
			res.OfflineErr = c.offline.Append(ctx, g, normalized)
			return nil
		})
	}
	eg.Wait()

	res.Online = outcome(g.OnlineEnabled, res.OnlineErr)
	res.Offline = outcome(g.OfflineEnabled, res.OfflineErr)

	err = c.combine(g, res)
	c.cfg.Metrics.ObserveIngest(metricOutcome(res), time.Since(start))

	if err != nil {
		c.log.Warn("ingest failed",
			"group", g.Name,
			"records", res.Records,
			"online", res.Online,
			"offline", res.Offline,
			"error", err,
		)
	}

	return res, err
}

func (c *Coordinator) writeOnline(ctx context.Context, g *feature.Group, records []feature.Record) error {
	if c.cfg.OnlineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OnlineTimeout)
		defer cancel()
	}

	key := g.EntityKey()
	for i, rec := range records {
		err := ctx.Err()
		if err == nil {
			err = c.online.Put(ctx, g.Name, rec[key].String(), rec, c.cfg.OnlineTTL)
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errors.ErrTimeout) {
				err = fmt.Errorf("online put %d of %d: %w: %w", i+1, len(records), errors.ErrTimeout, err)
			}
			return err
		}
	}
	return nil
}

// combine turns per-path results into the error returned to the caller.
func (c *Coordinator) combine(g *feature.Group, res Result) error {
	onlineFailed := res.Online == OutcomeFailed
	offlineFailed := res.Offline == OutcomeFailed

	if onlineFailed {
		c.cfg.Metrics.PathFailure(string(errors.PathOnline))
	}
	if offlineFailed {
		c.cfg.Metrics.PathFailure(string(errors.PathOffline))
	}

	switch {
	case onlineFailed && offlineFailed:
		return errors.Join(
			fmt.Errorf("%s write: %w", errors.PathOnline, res.OnlineErr),
			fmt.Errorf("%s write: %w", errors.PathOffline, res.OfflineErr),
		)
	case onlineFailed && res.Offline == OutcomeOK:
		return &errors.PartialFailureError{Failed: errors.PathOnline, Succeeded: errors.PathOffline, Cause: res.OnlineErr}
	case offlineFailed && res.Online == OutcomeOK:
		return &errors.PartialFailureError{Failed: errors.PathOffline, Succeeded: errors.PathOnline, Cause: res.OfflineErr}
	case onlineFailed:
		return fmt.Errorf("%s write to group '%s': %w", errors.PathOnline, g.Name, res.OnlineErr)
	case offlineFailed:
		return fmt.Errorf("%s write to group '%s': %w", errors.PathOffline, g.Name, res.OfflineErr)
	}
	return nil
}

func outcome(enabled bool, err error) Outcome {
	switch {
	case !enabled:
		return OutcomeSkipped
	case err != nil:
		return OutcomeFailed
	default:
		return OutcomeOK
	}
}

func metricOutcome(res Result) string {
	switch {
	case res.Online == OutcomeFailed && res.Offline == OutcomeOK,
		res.Offline == OutcomeFailed && res.Online == OutcomeOK:
		return metrics.OutcomePartial
	case res.Online == OutcomeFailed || res.Offline == OutcomeFailed:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeOK
	}
}
