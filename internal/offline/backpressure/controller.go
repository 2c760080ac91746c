// Package backpressure throttles offline appends when memtables fill
// faster than flushes drain them.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/featurestore/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - flushes keep up.
	LevelNormal Level = iota

	// LevelWarning - flush eagerly and pause compaction.
	LevelWarning

	// LevelCritical - delay appends.
	LevelCritical

	// LevelEmergency - reject appends until a flush drains memtables.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds are utilization ratios in [0, 1].
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// Config configures the controller.
type Config struct {
	// Enabled turns level evaluation on. A disabled controller always
	// reports LevelNormal.
	Enabled bool

	// MaxPendingRows is the unflushed row count at utilization 1.0.
	MaxPendingRows int64

	Thresholds Thresholds

	// Hysteresis is subtracted from a threshold before the level drops.
	Hysteresis float64

	// Cooldown is the minimum time between evaluations.
	Cooldown time.Duration
}

// DefaultConfig returns default backpressure settings.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxPendingRows: config.DefaultMaxPendingRows,
		Thresholds: Thresholds{
			Warning:   config.DefaultBackpressureWarning,
			Critical:  config.DefaultBackpressureCritical,
			Emergency: config.DefaultBackpressureEmergency,
		},
		Hysteresis: config.DefaultBackpressureHysteresis,
		Cooldown:   config.DefaultBackpressureCooldown,
	}
}

// Controller derives a backpressure level from the number of pending rows.
type Controller struct {
	mu sync.Mutex

	cfg     Config
	pending func() int64

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	stats Stats

	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	Rejected        int64
	ThrottleSeconds float64
}

// New creates a controller reading the pending row count from pending.
func New(cfg Config, pending func() int64) *Controller {
	if cfg.MaxPendingRows <= 0 {
		cfg.MaxPendingRows = config.DefaultMaxPendingRows
	}
	return &Controller{cfg: cfg, pending: pending}
}

// SetOnLevelChange sets the callback for level changes. It runs with the
// controller locked and must not call back into it.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates the pending row count and updates the level.
func (c *Controller) Check() Level {
	if !c.cfg.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.cfg.Cooldown {
		return c.lastLevel
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.Usage())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}

	return newLevel
}

// Usage returns pending rows as a fraction of MaxPendingRows.
func (c *Controller) Usage() float64 {
	return float64(c.pending()) / float64(c.cfg.MaxPendingRows)
}

// determineLevel maps usage to a level. Rising usage raises the level at
// once; the level only drops when usage falls Hysteresis below the
// threshold of the current level.
func (c *Controller) determineLevel(usage float64) Level {
	raw := c.levelFor(usage)
	if raw >= c.lastLevel {
		return raw
	}
	if usage >= c.threshold(c.lastLevel)-c.cfg.Hysteresis {
		return c.lastLevel
	}
	return raw
}

func (c *Controller) levelFor(usage float64) Level {
	t := c.cfg.Thresholds
	switch {
	case usage >= t.Emergency:
		return LevelEmergency
	case usage >= t.Critical:
		return LevelCritical
	case usage >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *Controller) threshold(l Level) float64 {
	switch l {
	case LevelWarning:
		return c.cfg.Thresholds.Warning
	case LevelCritical:
		return c.cfg.Thresholds.Critical
	case LevelEmergency:
		return c.cfg.Thresholds.Emergency
	default:
		return 0
	}
}

func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the level of the last evaluation.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject reports whether appends must be refused.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldPauseCompaction reports whether compaction should wait for
// flushes to catch up.
func (c *Controller) ShouldPauseCompaction() bool {
	return c.CurrentLevel() >= LevelWarning
}

// ThrottleDelay returns how long an append should wait before proceeding.
func (c *Controller) ThrottleDelay() time.Duration {
	var delay time.Duration
	switch c.CurrentLevel() {
	case LevelCritical:
		delay = 10 * time.Millisecond
	case LevelEmergency:
		delay = 50 * time.Millisecond
	default:
		return 0
	}

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// RecordReject records a refused append.
func (c *Controller) RecordReject() {
	c.mu.Lock()
	c.stats.Rejected++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		Rejected:        c.stats.Rejected,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		Usage:           c.Usage(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	Rejected        int64
	ThrottleSeconds float64
	Usage           float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.cfg.Enabled
}
