package resources

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Level classifies one resource reading against its thresholds.
type Level string

const (
	LevelOptimal  Level = "optimal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Action is an optimisation directive fanned out to subscribers.
type Action string

const (
	ActionReduceConcurrency   Action = "reduce_concurrency"
	ActionIncreaseConcurrency Action = "increase_concurrency"
	ActionClearCache          Action = "clear_cache"
	ActionForceGC             Action = "force_gc"
)

// Thresholds classify a percentage reading. Warning <= Critical.
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// Classify maps a reading onto a level.
func (t Thresholds) Classify(value float64) Level {
	switch {
	case value >= t.Critical:
		return LevelCritical
	case value >= t.Warning:
		return LevelWarning
	default:
		return LevelOptimal
	}
}

// OptimizerConfig tunes the adaptive concurrency controller.
type OptimizerConfig struct {
	// CPU and Memory thresholds. Defaults: warning 70/75, critical 85/90.
	CPU    Thresholds `yaml:"cpu"`
	Memory Thresholds `yaml:"memory"`

	// ScaleUpCPUPercent is the CPU ceiling below which concurrency may
	// grow, provided memory is under 70%. Default 40.
	ScaleUpCPUPercent float64 `yaml:"scale_up_cpu_percent"`

	// Concurrency bounds and starting value. Defaults 1..8, start 4.
	MinConcurrency   int `yaml:"min_concurrency"`
	MaxConcurrency   int `yaml:"max_concurrency"`
	StartConcurrency int `yaml:"start_concurrency"`

	// Cooldown between concurrency adjustments. Default 60 seconds.
	Cooldown time.Duration `yaml:"cooldown"`

	// Clock is injectable for tests. Default time.Now.
	Clock func() time.Time `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *OptimizerConfig) applyDefaults() {
	if c.CPU.Warning <= 0 {
		c.CPU.Warning = 70
	}
	if c.CPU.Critical <= 0 {
		c.CPU.Critical = 85
	}
	if c.Memory.Warning <= 0 {
		c.Memory.Warning = 75
	}
	if c.Memory.Critical <= 0 {
		c.Memory.Critical = 90
	}
	if c.ScaleUpCPUPercent <= 0 {
		c.ScaleUpCPUPercent = 40
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.StartConcurrency <= 0 {
		c.StartConcurrency = 4
	}
	if c.StartConcurrency < c.MinConcurrency {
		c.StartConcurrency = c.MinConcurrency
	}
	if c.StartConcurrency > c.MaxConcurrency {
		c.StartConcurrency = c.MaxConcurrency
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Optimizer turns utilisation samples into concurrency adjustments and
// optimisation actions. Feed it with Observe, typically from the
// monitor's sampling loop. Concurrency moves one step at a time, at most
// once per cooldown, and reductions require two consecutive critical
// samples so a single spike does not throttle the whole engine.
type Optimizer struct {
	config OptimizerConfig
	logger *slog.Logger

	concurrency atomic.Int64

	mu                 sync.Mutex
	lastAdjust         time.Time
	consecutiveCPUCrit int
	consecutiveMemCrit int
	subscribers        []chan Action
	actionsIssued      map[Action]int64
	forceGCFn          func()
}

// NewOptimizer creates an optimizer with the given config.
func NewOptimizer(config OptimizerConfig) *Optimizer {
	config.applyDefaults()

	o := &Optimizer{
		config:        config,
		logger:        config.Logger,
		actionsIssued: make(map[Action]int64),
		forceGCFn: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
	o.concurrency.Store(int64(config.StartConcurrency))
	return o
}

// CurrentConcurrency returns the current dispatch width.
func (o *Optimizer) CurrentConcurrency() int {
	return int(o.concurrency.Load())
}

// Subscribe returns a buffered channel of actions and a cancel function.
func (o *Optimizer) Subscribe() (<-chan Action, func()) {
	ch := make(chan Action, 16)

	o.mu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, sub := range o.subscribers {
			if sub == ch {
				o.subscribers = append(o.subscribers[:i], o.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Observe feeds one sample through the classification rules.
func (o *Optimizer) Observe(sample Metrics) {
	cpuLevel := o.config.CPU.Classify(sample.CPUPercent)
	memLevel := o.config.Memory.Classify(sample.MemPercent)

	o.mu.Lock()
	defer o.mu.Unlock()

	if cpuLevel == LevelCritical {
		o.consecutiveCPUCrit++
	} else {
		o.consecutiveCPUCrit = 0
	}
	if memLevel == LevelCritical {
		o.consecutiveMemCrit++
	} else {
		o.consecutiveMemCrit = 0
	}

	switch {
	case o.consecutiveCPUCrit >= 2:
		if o.adjustLocked(-1) {
			o.emitLocked(ActionReduceConcurrency)
			o.logger.Warn("reducing concurrency",
				"cpu_percent", sample.CPUPercent,
				"concurrency", o.concurrency.Load())
		}

	case o.consecutiveMemCrit >= 2:
		o.emitLocked(ActionClearCache)
		o.emitLocked(ActionForceGC)
		o.logger.Warn("memory critical, clearing cache and forcing gc",
			"mem_percent", sample.MemPercent)
		go o.forceGCFn()
		o.consecutiveMemCrit = 0

	case sample.CPUPercent <= o.config.ScaleUpCPUPercent && sample.MemPercent < 70:
		if o.adjustLocked(+1) {
			o.emitLocked(ActionIncreaseConcurrency)
			o.logger.Info("increasing concurrency",
				"cpu_percent", sample.CPUPercent,
				"concurrency", o.concurrency.Load())
		}
	}
}

// ActionCounts returns how many times each action has been issued.
func (o *Optimizer) ActionCounts() map[Action]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[Action]int64, len(o.actionsIssued))
	for action, n := range o.actionsIssued {
		out[action] = n
	}
	return out
}

// adjustLocked moves concurrency by delta (one step), bounded and rate
// limited by the cooldown. Caller holds o.mu. Returns whether a change
// was applied.
func (o *Optimizer) adjustLocked(delta int) bool {
	now := o.config.Clock()
	if !o.lastAdjust.IsZero() && now.Sub(o.lastAdjust) < o.config.Cooldown {
		return false
	}

	current := int(o.concurrency.Load())
	next := current + delta
	if next < o.config.MinConcurrency {
		next = o.config.MinConcurrency
	}
	if next > o.config.MaxConcurrency {
		next = o.config.MaxConcurrency
	}
	if next == current {
		return false
	}

	o.concurrency.Store(int64(next))
	o.lastAdjust = now
	return true
}

// emitLocked fans an action out to subscribers. Caller holds o.mu.
func (o *Optimizer) emitLocked(action Action) {
	o.actionsIssued[action]++
	for _, ch := range o.subscribers {
		select {
		case ch <- action:
		default:
		}
	}
}
