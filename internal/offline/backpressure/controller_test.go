package backpressure

import (
	"sync/atomic"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
		{Level(9), "unknown"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func testController(pending *atomic.Int64) *Controller {
	cfg := DefaultConfig()
	cfg.MaxPendingRows = 100
	cfg.Thresholds = Thresholds{Warning: 0.50, Critical: 0.80, Emergency: 0.95}
	cfg.Hysteresis = 0.10
	cfg.Cooldown = 0 // Disable cooldown for testing
	return New(cfg, pending.Load)
}

func TestController_Check(t *testing.T) {
	var pending atomic.Int64
	c := testController(&pending)

	steps := []struct {
		pending int64
		want    Level
	}{
		{0, LevelNormal},
		{50, LevelWarning},
		{80, LevelCritical},
		{95, LevelEmergency},
		// Hysteresis keeps the level until usage drops below threshold-0.10
		{90, LevelEmergency},
		{84, LevelCritical},
		{75, LevelCritical},
		{69, LevelWarning},
		{45, LevelWarning},
		{39, LevelNormal},
	}

	for _, step := range steps {
		pending.Store(step.pending)
		if got := c.Check(); got != step.want {
			t.Errorf("pending %d: expected %s, got %s", step.pending, step.want, got)
		}
	}

	if c.Stats().LevelChanges != 6 {
		t.Errorf("expected 6 level changes, got %d", c.Stats().LevelChanges)
	}
}

func TestController_Actions(t *testing.T) {
	var pending atomic.Int64
	c := testController(&pending)

	var changes []Level
	c.SetOnLevelChange(func(_, new Level) { changes = append(changes, new) })

	tests := []struct {
		pending      int64
		reject       bool
		pauseCompact bool
		throttle     bool
	}{
		{10, false, false, false},
		{60, false, true, false},
		{85, false, true, true},
		{99, true, true, true},
	}

	for _, tt := range tests {
		pending.Store(tt.pending)
		c.Check()

		if c.ShouldReject() != tt.reject {
			t.Errorf("pending %d: ShouldReject = %t", tt.pending, !tt.reject)
		}
		if c.ShouldPauseCompaction() != tt.pauseCompact {
			t.Errorf("pending %d: ShouldPauseCompaction = %t", tt.pending, !tt.pauseCompact)
		}
		if (c.ThrottleDelay() > 0) != tt.throttle {
			t.Errorf("pending %d: unexpected throttle delay", tt.pending)
		}
	}

	if len(changes) != 3 || changes[2] != LevelEmergency {
		t.Errorf("unexpected level changes %v", changes)
	}

	c.RecordReject()
	st := c.Stats()
	if st.Rejected != 1 || st.ThrottleSeconds <= 0 || st.Usage != 0.99 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestController_Disabled(t *testing.T) {
	var pending atomic.Int64
	pending.Store(1000)

	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.MaxPendingRows = 10
	c := New(cfg, pending.Load)

	if c.Check() != LevelNormal || c.ShouldReject() || c.IsEnabled() {
		t.Error("disabled controller must stay normal")
	}
}

func TestController_Cooldown(t *testing.T) {
	var pending atomic.Int64
	cfg := DefaultConfig()
	cfg.MaxPendingRows = 100
	c := New(cfg, pending.Load)

	if c.Check() != LevelNormal {
		t.Fatal("expected normal")
	}

	// Within the cooldown the previous level is reported.
	pending.Store(100)
	if c.Check() != LevelNormal {
		t.Error("expected cached level within cooldown")
	}
}
