package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Treystu/BMSview-sub009/internal/analyzer"
	"github.com/Treystu/BMSview-sub009/internal/archive"
	"github.com/Treystu/BMSview-sub009/internal/config"
	"github.com/Treystu/BMSview-sub009/internal/dedup"
	"github.com/Treystu/BMSview-sub009/internal/idempotency"
	"github.com/Treystu/BMSview-sub009/internal/metrics"
	"github.com/Treystu/BMSview-sub009/internal/pipeline"
	"github.com/Treystu/BMSview-sub009/internal/resilience"
	"github.com/Treystu/BMSview-sub009/internal/storage"
	"github.com/Treystu/BMSview-sub009/internal/storage/sqlite"
	"github.com/Treystu/BMSview-sub009/internal/types"
)

// app holds the wired service graph. close releases resources in reverse
// dependency order.
type app struct {
	cfg      config.Config
	store    storage.Storage
	engine   *pipeline.Engine
	breakers *resilience.Registry
	registry *prometheus.Registry
	cache    *idempotency.Cache
}

// buildApp constructs the full dependency graph from configuration.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{cfg: cfg, store: store}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	an, err := analyzer.New(analyzer.Config{
		Backend: analyzer.Backend(cfg.Analyzer.Backend),
		APIKey:  cfg.Analyzer.APIKey,
		Model:   cfg.Analyzer.Model,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := dedup.NewResolver(store, cfg.Dedup, logger)
	if err != nil {
		return nil, err
	}

	a.breakers = resilience.NewRegistry()
	exec := resilience.NewExecutor(a.breakers, cfg.Analyzer.MaxConcurrent, logger)

	a.registry = prometheus.NewRegistry()
	m := metrics.New(a.registry)
	a.breakers.OnTransition(func(name string, _, to resilience.CircuitState) {
		m.BreakerTransition.WithLabelValues(name, to.String()).Inc()
	})

	deps := pipeline.Deps{
		Store:    store,
		Analyzer: an,
		Executor: exec,
		Resolver: resolver,
		Metrics:  m,
		Logger:   logger,
	}

	if cfg.Idempotency.Path != "" || cfg.Idempotency.InMemory {
		cache, err := idempotency.New(idempotency.Config{
			Path:     cfg.Idempotency.Path,
			InMemory: cfg.Idempotency.InMemory,
			TTL:      cfg.Idempotency.TTL.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open idempotency cache: %w", err)
		}
		a.cache = cache
		deps.Cache = cache
	}

	if cfg.Archive.Enabled {
		archiver, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to archive store: %w", err)
		}
		deps.Archiver = archiver
	}

	execCfg := resilience.DefaultConfig()
	execCfg.Timeout = cfg.Resilience.Timeout.Std()
	execCfg.MaxRetries = cfg.Resilience.MaxRetries
	execCfg.InitialBackoff = cfg.Resilience.InitialBackoff.Std()
	execCfg.FailureThreshold = cfg.Resilience.FailureThreshold
	execCfg.OpenTimeout = cfg.Resilience.OpenTimeout.Std()
	execCfg.OnTimeout = func(operation string, elapsed time.Duration) {
		logger.Warn("analyzer attempt abandoned at deadline",
			"operation", operation, "elapsed", elapsed)
	}

	engine, err := pipeline.New(deps, execCfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	if err := a.seedSystems(ctx, logger); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// seedSystems upserts configured systems so association works on a fresh
// database.
func (a *app) seedSystems(ctx context.Context, logger *slog.Logger) error {
	for _, s := range a.cfg.Systems {
		sys := &types.SystemRecord{ID: s.ID, Name: s.Name, Identifiers: s.Identifiers}
		if err := sys.Validate(); err != nil {
			return fmt.Errorf("invalid system %q: %w", s.ID, err)
		}
		if err := a.store.UpsertSystem(ctx, sys); err != nil {
			return fmt.Errorf("failed to seed system %q: %w", s.ID, err)
		}
		logger.Info("seeded system", "id", s.ID, "name", s.Name)
	}
	return nil
}

func (a *app) close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("failed to close idempotency cache", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("failed to close database", "error", err)
		}
	}
}
