package commands

import (
	"context"
	"fmt"

	"github.com/orchardproj/orchard/pkg/api"
	"github.com/orchardproj/orchard/pkg/config"
	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/lock"
	"github.com/orchardproj/orchard/pkg/orchestrator"
	"github.com/orchardproj/orchard/pkg/stores"
	"github.com/orchardproj/orchard/pkg/telemetry"
	sshtransport "github.com/orchardproj/orchard/pkg/transports/ssh"
)

// dataStore is the persistence surface the commands need. Both the SQLite
// and the in-memory backend satisfy it.
type dataStore interface {
	lock.RecordStore
	orchestrator.EnvironmentRepository
	orchestrator.HistorySink
	api.EnvironmentAdmin
	api.LockLister
	api.HistoryLister
	FindJobHistory(ctx context.Context, jobID string) (*stores.HistoryEntry, error)
}

// app wires together the runtime for one command invocation.
type app struct {
	cfg      *config.Config
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    dataStore
	redis    *stores.RedisLockStore
	locks    *lock.Manager
	registry *job.Registry
	orch     *orchestrator.Orchestrator

	healthCheck func(ctx context.Context) error
	closers     []func() error
}

// buildApp loads configuration and assembles the orchestrator stack.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	a := &app{cfg: cfg, log: logger, metrics: metrics}

	if cfg.Telemetry.Tracing.Enabled {
		tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
			cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
		a.tracer = tracer
		a.closers = append(a.closers, func() error {
			return tracer.Shutdown(context.Background())
		})
	}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	lockStore, err := a.openLockStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	a.locks = lock.NewManager(lockStore, logger, metrics)
	a.registry = job.NewRegistry(cfg.Orchestrator.Retention)
	a.closers = append(a.closers, func() error {
		a.registry.Close()
		return nil
	})

	executor, err := sshtransport.NewExecutor(cfg.SSHTransportConfig(), logger)
	if err != nil {
		a.close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Locks:        a.locks,
		Registry:     a.registry,
		Environments: a.store,
		Executor:     executor,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       a.tracer,
		History:      a.store,
		Identity:     cfg.Orchestrator.Identity,
		MaxParallel:  cfg.Orchestrator.MaxParallel,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.orch = orch

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "memory":
		a.store = stores.NewMemoryStore()
		return nil

	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return err
		}
		a.store = store
		a.healthCheck = store.HealthCheck
		a.closers = append(a.closers, store.Close)
		return nil

	default:
		return fmt.Errorf("unknown store backend: %s", a.cfg.Store.Backend)
	}
}

func (a *app) openLockStore(ctx context.Context) (lock.RecordStore, error) {
	if a.cfg.Locks.Backend != "redis" {
		return a.store, nil
	}

	redisStore, err := stores.NewRedisLockStore(a.cfg.Locks.RedisURL)
	if err != nil {
		return nil, err
	}
	if err := redisStore.Ping(ctx); err != nil {
		_ = redisStore.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	a.closers = append(a.closers, redisStore.Close)
	a.redis = redisStore
	return redisStore, nil
}

// lockLister returns the source of lock records matching the lock backend.
func (a *app) lockLister() api.LockLister {
	if a.redis != nil {
		return a.redis
	}
	return a.store
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("cleanup failed")
		}
	}
}
