package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quorumlabs/quorum/pkg/breaker"
	"quorumlabs/quorum/pkg/cache"
	"quorumlabs/quorum/pkg/config"
	"quorumlabs/quorum/pkg/fallback"
	"quorumlabs/quorum/pkg/orchestrator"
	"quorumlabs/quorum/pkg/patterns"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/registry"
	"quorumlabs/quorum/pkg/resources"
	"quorumlabs/quorum/pkg/server"
	"quorumlabs/quorum/pkg/strategy"
	"quorumlabs/quorum/pkg/telemetry/logging"
	"quorumlabs/quorum/pkg/telemetry/metrics"
	"quorumlabs/quorum/pkg/telemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	collector := metrics.NewCollector(cfg.Metrics, nil)

	// Model registry. USE_MOCK=true swaps every backend for the offline
	// mock adapter, for demos and development without credentials.
	useMock := os.Getenv("USE_MOCK") == "true"
	if useMock {
		logger.Warn("USE_MOCK is set, all models run against the mock adapter")
	}

	reg := registry.New()
	defer reg.Close()
	for id, model := range cfg.Models {
		if useMock {
			model.Provider = providers.KindMock
			model.APIKey = ""
		}
		if err := reg.Register(id, model); err != nil {
			return fmt.Errorf("failed to register model %q: %w", id, err)
		}
		logger.Info("model registered", "id", id, "provider", model.Provider)
	}

	breakers := breaker.NewRegistry(cfg.Breaker.BreakerSettings(), collector)

	// Cache backends.
	var store cache.Store
	var sweeper server.Sweeper
	switch cfg.Cache.Backend {
	case "sqlite":
		sqliteStore, err := cache.NewSQLiteStore(cache.SQLiteConfig{Path: cfg.Cache.Path})
		if err != nil {
			return err
		}
		store = sqliteStore
	default:
		memStore := cache.NewMemoryStore(cache.MemoryConfig{MaxEntries: cfg.Cache.MaxEntries})
		store = memStore
		sweeper = memStore
	}
	defer store.Close()

	responseCache := cache.NewResponseCache(store, cfg.Cache.TTL)
	responseCache.Disabled = !*cfg.Cache.Enabled
	streamCache := cache.NewStreamCache(cfg.Cache.TTL)
	defer streamCache.Close()

	// Resource monitoring and adaptive concurrency.
	optimizer := resources.NewOptimizer(cfg.Resources.Optimizer)
	var monitor *resources.Monitor
	if *cfg.Resources.Enabled {
		host := resources.NewHostSampler("")
		monitor = resources.NewMonitor(resources.MonitorConfig{
			Interval: cfg.Resources.Interval,
			Logger:   logger,
			Sampler: resources.SamplerFunc(func(ctx context.Context) (resources.Metrics, error) {
				sample, err := host.Sample(ctx)
				if err == nil {
					optimizer.Observe(sample)
				}
				return sample, err
			}),
		})
		monitor.Start(ctx)
		defer monitor.Stop()

		// The optimizer's cache actions only apply to the memory backend.
		if memStore, ok := store.(*cache.MemoryStore); ok {
			actions, cancel := optimizer.Subscribe()
			defer cancel()
			go func() {
				for action := range actions {
					if action == resources.ActionClearCache {
						removed := memStore.Clear()
						logger.Info("cache cleared under memory pressure", "removed", removed)
					}
				}
			}()
		}
	}

	fb, err := fallback.NewService(fallback.Config{
		Registry:     reg,
		Breakers:     breakers,
		Cache:        responseCache,
		StreamCache:  streamCache,
		Retry:        cfg.Retry,
		Fallbacks:    cfg.Fallback.Chains,
		MockFallback: cfg.Fallback.MockFallback,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	library := patterns.NewLibrary()
	selector := strategy.NewSelector(reg, optimizer, cfg.Engine.MaxWorkers)

	engine, err := orchestrator.New(orchestrator.Config{
		Registry:        reg,
		Breakers:        breakers,
		Fallback:        fb,
		Patterns:        library,
		Selector:        selector,
		Optimizer:       optimizer,
		Metrics:         collector,
		MaxWorkers:      cfg.Engine.MaxWorkers,
		EvaluateQuality: cfg.Engine.EvaluateQuality,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	// Hot reload of the model set.
	if watcher, err := config.NewWatcher(cfgFile, logger); err == nil {
		go func() {
			_ = watcher.Watch(ctx, func(next *config.Config) {
				reloadModels(reg, next, logger)
			})
		}()
	} else {
		logger.Warn("config watch unavailable", "error", err)
	}

	maintenance, err := server.NewMaintenance(sweeper, monitor, responseCache, logger)
	if err != nil {
		return err
	}
	maintenance.Start()
	defer maintenance.Stop()

	srv := server.New(cfg.Server, engine, reg, breakers, library, collector, logger)

	logger.Info("quorum starting",
		"version", Version,
		"models", reg.Len(),
		"cache_backend", cfg.Cache.Backend)
	return srv.Start(ctx)
}

// reloadModels reconciles the registry with a freshly loaded config:
// new ids are registered, removed ids deregistered, changed ones
// replaced.
func reloadModels(reg *registry.Registry, cfg *config.Config, logger *slog.Logger) {
	current := make(map[string]bool)
	for _, id := range reg.List() {
		current[id] = true
	}

	for id, model := range cfg.Models {
		delete(current, id)
		if entry, ok := reg.Get(id); ok && entry.Config.Equal(model) {
			continue
		}
		if err := reg.Register(id, model); err != nil {
			logger.Error("model reload failed", "id", id, "error", err)
			continue
		}
		logger.Info("model reloaded", "id", id)
	}

	for id := range current {
		reg.Deregister(id)
		logger.Info("model removed", "id", id)
	}
}
