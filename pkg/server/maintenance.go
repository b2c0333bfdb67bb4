package server

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"quorumlabs/quorum/pkg/cache"
	"quorumlabs/quorum/pkg/resources"
)

// Maintenance runs the engine's scheduled housekeeping: cache sweeps and
// a periodic resource report.
type Maintenance struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// Sweeper removes expired entries and reports how many were dropped.
// The memory cache backend satisfies this.
type Sweeper interface {
	Sweep() int
}

// NewMaintenance schedules the housekeeping jobs. sweeper and monitor
// may be nil; the matching job is then skipped.
func NewMaintenance(sweeper Sweeper, monitor *resources.Monitor, cache *cache.ResponseCache, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New()

	if sweeper != nil {
		if _, err := c.AddFunc("@every 10m", func() {
			if removed := sweeper.Sweep(); removed > 0 {
				logger.Info("cache sweep", "removed", removed)
			}
		}); err != nil {
			return nil, err
		}
	}

	if monitor != nil {
		if _, err := c.AddFunc("@every 5m", func() {
			sample, ok := monitor.Current()
			if !ok {
				return
			}
			attrs := []any{
				"cpu_percent", sample.CPUPercent,
				"mem_percent", sample.MemPercent,
				"net_conns", sample.NetConns,
			}
			if cache != nil {
				if stats, err := cache.Stats(context.Background()); err == nil {
					attrs = append(attrs,
						"cache_entries", stats.Entries,
						"cache_hits", stats.Hits,
						"cache_misses", stats.Misses)
				}
			}
			logger.Info("resource report", attrs...)
		}); err != nil {
			return nil, err
		}
	}

	return &Maintenance{cron: c, logger: logger}, nil
}

// Start begins the schedule.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for running jobs.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}
