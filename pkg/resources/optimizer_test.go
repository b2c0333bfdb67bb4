package resources

import (
	"testing"
	"time"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time          { return c.now }
func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestOptimizer(clock *stepClock) *Optimizer {
	return NewOptimizer(OptimizerConfig{
		CPU:              Thresholds{Warning: 70, Critical: 85},
		Memory:           Thresholds{Warning: 75, Critical: 90},
		MinConcurrency:   1,
		MaxConcurrency:   8,
		StartConcurrency: 4,
		Cooldown:         time.Minute,
		Clock:            clock.Now,
	})
}

func sample(cpu, mem float64) Metrics {
	return Metrics{CPUPercent: cpu, MemPercent: mem, Timestamp: time.Now()}
}

func TestReduceRequiresTwoConsecutiveCriticalSamples(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	o := newTestOptimizer(clock)

	o.Observe(sample(95, 50))
	if got := o.CurrentConcurrency(); got != 4 {
		t.Fatalf("concurrency = %d after one critical sample, want 4", got)
	}

	o.Observe(sample(95, 50))
	if got := o.CurrentConcurrency(); got != 3 {
		t.Fatalf("concurrency = %d after two critical samples, want 3", got)
	}
}

func TestSingleSpikeDoesNotThrottle(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	o := newTestOptimizer(clock)

	o.Observe(sample(95, 50))
	o.Observe(sample(50, 50)) // recovery resets the streak
	o.Observe(sample(95, 50))

	if got := o.CurrentConcurrency(); got != 4 {
		t.Fatalf("concurrency = %d, want 4 (streak was broken)", got)
	}
}

func TestCooldownLimitsOneStepPerWindow(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	o := newTestOptimizer(clock)

	// Sustained critical CPU: only one step until the cooldown elapses.
	for i := 0; i < 6; i++ {
		o.Observe(sample(95, 50))
	}
	if got := o.CurrentConcurrency(); got != 3 {
		t.Fatalf("concurrency = %d during cooldown, want 3 (exactly one step)", got)
	}

	clock.Advance(61 * time.Second)
	o.Observe(sample(95, 50))
	o.Observe(sample(95, 50))
	if got := o.CurrentConcurrency(); got != 2 {
		t.Fatalf("concurrency = %d after cooldown, want 2", got)
	}
}

func TestConcurrencyStaysWithinBounds(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	o := NewOptimizer(OptimizerConfig{
		MinConcurrency:   1,
		MaxConcurrency:   2,
		StartConcurrency: 1,
		Cooldown:         time.Nanosecond,
		Clock:            clock.Now,
	})

	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		o.Observe(sample(10, 10)) // scale-up conditions
	}
	if got := o.CurrentConcurrency(); got != 2 {
		t.Fatalf("concurrency = %d, want capped at 2", got)
	}

	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		o.Observe(sample(99, 10))
	}
	if got := o.CurrentConcurrency(); got != 1 {
		t.Fatalf("concurrency = %d, want floored at 1", got)
	}
}

func TestScaleUpNeedsLowCPUAndMemory(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	o := newTestOptimizer(clock)

	// CPU low but memory at 75%: no scale up.
	o.Observe(sample(10, 75))
	if got := o.CurrentConcurrency(); got != 4 {
		t.Fatalf("concurrency = %d with high memory, want 4", got)
	}

	o.Observe(sample(10, 50))
	if got := o.CurrentConcurrency(); got != 5 {
		t.Fatalf("concurrency = %d with low load, want 5", got)
	}
}

func TestMemoryPressureEmitsCacheActions(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	o := newTestOptimizer(clock)
	o.forceGCFn = func() {}

	actions, cancel := o.Subscribe()
	defer cancel()

	o.Observe(sample(50, 95))
	o.Observe(sample(50, 95))

	got := map[Action]bool{}
	for i := 0; i < 2; i++ {
		select {
		case action := <-actions:
			got[action] = true
		default:
			t.Fatalf("expected 2 actions, received %d", i)
		}
	}
	if !got[ActionClearCache] || !got[ActionForceGC] {
		t.Fatalf("actions = %v, want clear_cache and force_gc", got)
	}
}

func TestMonitorRecordAndHistory(t *testing.T) {
	m := NewMonitor(MonitorConfig{HistorySize: 3})

	for i := 1; i <= 5; i++ {
		m.Record(Metrics{CPUPercent: float64(i)})
	}

	current, ok := m.Current()
	if !ok || current.CPUPercent != 5 {
		t.Fatalf("Current = %+v, %v; want latest sample", current, ok)
	}

	history := m.History()
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want ring capacity 3", len(history))
	}
	for i, want := range []float64{3, 4, 5} {
		if history[i].CPUPercent != want {
			t.Fatalf("history[%d].CPUPercent = %v, want %v (oldest first)", i, history[i].CPUPercent, want)
		}
	}
}

func TestMonitorCurrentEmptyBeforeFirstSample(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	if _, ok := m.Current(); ok {
		t.Fatal("Current reported a sample before any were recorded")
	}
}
