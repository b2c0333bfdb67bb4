// Package resources samples host utilisation and adapts the
// orchestrator's dispatch concurrency to it.
package resources

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Metrics is one utilisation sample.
type Metrics struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	MemUsedMB   float64   `json:"mem_used_mb"`
	MemAvailMB  float64   `json:"mem_avail_mb"`
	DiskPercent float64   `json:"disk_percent"`
	NetConns    int       `json:"net_conns"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sampler produces one utilisation sample. The default implementation
// reads the host via gopsutil; tests inject synthetic samplers.
type Sampler interface {
	Sample(ctx context.Context) (Metrics, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Metrics, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Metrics, error) { return f(ctx) }

// hostSampler reads real host metrics.
type hostSampler struct {
	diskPath string
}

// NewHostSampler returns a Sampler backed by gopsutil. diskPath is the
// mount to measure; empty means "/".
func NewHostSampler(diskPath string) Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{diskPath: diskPath}
}

func (h *hostSampler) Sample(ctx context.Context) (Metrics, error) {
	m := Metrics{Timestamp: time.Now()}

	// Interval 0 compares against the previous call instead of blocking.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, err
	}
	m.MemPercent = vm.UsedPercent
	m.MemUsedMB = float64(vm.Used) / (1024 * 1024)
	m.MemAvailMB = float64(vm.Available) / (1024 * 1024)

	if usage, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		m.DiskPercent = usage.UsedPercent
	}
	if conns, err := net.ConnectionsWithContext(ctx, "tcp"); err == nil {
		m.NetConns = len(conns)
	}

	return m, nil
}

// Monitor polls a Sampler on an interval and keeps a ring buffer of
// recent samples. The latest sample is readable without blocking.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	logger   *slog.Logger

	latest atomic.Pointer[Metrics]

	mu      sync.Mutex
	history []Metrics
	next    int
	filled  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// MonitorConfig tunes the monitor.
type MonitorConfig struct {
	// Sampler provides samples. Default: NewHostSampler("/").
	Sampler Sampler

	// Interval between samples. Default 30 seconds.
	Interval time.Duration

	// HistorySize is the ring buffer length. Default 60.
	HistorySize int

	Logger *slog.Logger
}

// NewMonitor creates a monitor. Call Start to begin sampling.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Sampler == nil {
		config.Sampler = NewHostSampler("")
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 60
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Monitor{
		sampler:  config.Sampler,
		interval: config.Interval,
		logger:   config.Logger,
		history:  make([]Metrics, config.HistorySize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sampling loop. The loop stops when ctx is cancelled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)

		m.poll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Record stores a sample directly, bypassing the sampler. Tests and the
// optimizer's synthetic paths use this.
func (m *Monitor) Record(sample Metrics) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	m.latest.Store(&sample)

	m.mu.Lock()
	m.history[m.next] = sample
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.filled = true
	}
	m.mu.Unlock()
}

// Current returns the most recent sample without blocking.
func (m *Monitor) Current() (Metrics, bool) {
	p := m.latest.Load()
	if p == nil {
		return Metrics{}, false
	}
	return *p, true
}

// History returns recent samples, oldest first.
func (m *Monitor) History() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.filled {
		out := make([]Metrics, m.next)
		copy(out, m.history[:m.next])
		return out
	}

	out := make([]Metrics, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	out = append(out, m.history[:m.next]...)
	return out
}

func (m *Monitor) poll(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("resource sample failed", "error", err)
		return
	}
	m.Record(sample)
}
