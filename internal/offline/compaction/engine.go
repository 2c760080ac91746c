// Package compaction schedules background merging of offline segments.
//
// Merging never changes what a group returns; it only bounds the number of
// files a read has to open. The engine decides when a group is due and
// hands the work to its Target.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/featurestore/config"
	"github.com/xtxerr/featurestore/internal/logging"
)

// Target is the store whose segments are compacted.
type Target interface {
	// Groups returns the groups that may hold segments.
	Groups() []string

	// SegmentCount returns the number of segments of group.
	SegmentCount(group string) int

	// CompactGroup merges the segments of group and returns how many
	// were merged.
	CompactGroup(ctx context.Context, group string) (int, error)
}

// Pauser is implemented by targets that can ask the scheduler to hold off,
// for example while flushes are behind.
type Pauser interface {
	CompactionPaused() bool
}

// Config configures the engine.
type Config struct {
	// Workers is the number of concurrent compaction jobs.
	Workers int

	// Interval is the scheduler period.
	Interval time.Duration

	// MinSegments is the segment count at which a group is compacted.
	MinSegments int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     config.DefaultCompactionWorkers,
		Interval:    config.DefaultCompactionInterval,
		MinSegments: config.DefaultCompactionMinSegments,
	}
}

// Engine runs compaction jobs on a worker pool.
type Engine struct {
	cfg    Config
	target Target
	log    *slog.Logger

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Job queue. A group is queued at most once at a time.
	jobCh   chan string
	queueMu sync.Mutex
	queued  map[string]bool

	// Statistics
	stats Stats
}

// Stats holds compaction statistics.
type Stats struct {
	JobsScheduled  atomic.Int64
	JobsCompleted  atomic.Int64
	JobsFailed     atomic.Int64
	SegmentsMerged atomic.Int64
}

// New creates a compaction engine for target.
func New(cfg Config, target Target) (*Engine, error) {
	if target == nil {
		return nil, fmt.Errorf("compaction target is required")
	}

	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MinSegments < 2 {
		cfg.MinSegments = defaults.MinSegments
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:    cfg,
		target: target,
		log:    logging.Component("compaction"),
		ctx:    ctx,
		cancel: cancel,
		jobCh:  make(chan string, 100),
		queued: make(map[string]bool),
	}, nil
}

// Start starts the scheduler and workers.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.scheduler()

	e.log.Info("compaction started",
		"workers", e.cfg.Workers,
		"interval", e.cfg.Interval,
		"min_segments", e.cfg.MinSegments,
	)

	return nil
}

// Stop stops the engine and waits for running jobs to finish.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}

	e.cancel()

	e.queueMu.Lock()
	close(e.jobCh)
	e.queueMu.Unlock()

	e.wg.Wait()

	return nil
}

// worker processes compaction jobs.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for group := range e.jobCh {
		e.queueMu.Lock()
		delete(e.queued, group)
		e.queueMu.Unlock()

		if e.ctx.Err() != nil {
			continue
		}

		if _, err := e.run(e.ctx, group); err != nil {
			e.log.Warn("compaction failed", "worker", id, "group", group, "error", err)
		}
	}
}

// scheduler periodically schedules compaction jobs.
func (e *Engine) scheduler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ScheduleDue()
		}
	}
}

// ScheduleDue queues every group with at least MinSegments segments and
// returns how many were queued. Nothing is queued while the target is
// paused.
func (e *Engine) ScheduleDue() int {
	if p, ok := e.target.(Pauser); ok && p.CompactionPaused() {
		e.log.Debug("compaction paused by target")
		return 0
	}

	n := 0
	for _, group := range e.target.Groups() {
		if e.target.SegmentCount(group) >= e.cfg.MinSegments && e.Submit(group) {
			n++
		}
	}
	return n
}

// Submit queues a job for group. It returns false if the engine is not
// running, the group is already queued or the queue is full.
func (e *Engine) Submit(group string) bool {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	if !e.running.Load() || e.queued[group] {
		return false
	}

	select {
	case e.jobCh <- group:
		e.queued[group] = true
		e.stats.JobsScheduled.Add(1)
		return true
	default:
		// Queue full
		return false
	}
}

// Compact compacts group synchronously regardless of its segment count.
func (e *Engine) Compact(ctx context.Context, group string) (int, error) {
	return e.run(ctx, group)
}

func (e *Engine) run(ctx context.Context, group string) (int, error) {
	start := time.Now()

	merged, err := e.target.CompactGroup(ctx, group)
	if err != nil {
		e.stats.JobsFailed.Add(1)
		return 0, fmt.Errorf("compact %s: %w", group, err)
	}

	e.stats.JobsCompleted.Add(1)
	e.stats.SegmentsMerged.Add(int64(merged))

	if merged > 0 {
		e.log.Debug("compaction job done", "group", group, "segments", merged, "duration", time.Since(start))
	}

	return merged, nil
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:        e.running.Load(),
		JobsScheduled:  e.stats.JobsScheduled.Load(),
		JobsCompleted:  e.stats.JobsCompleted.Load(),
		JobsFailed:     e.stats.JobsFailed.Load(),
		SegmentsMerged: e.stats.SegmentsMerged.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running        bool
	JobsScheduled  int64
	JobsCompleted  int64
	JobsFailed     int64
	SegmentsMerged int64
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}
