package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"

	"cs-workflows/backend/internal/compiler"
	"cs-workflows/backend/internal/condition"
	"cs-workflows/backend/internal/config"
	"cs-workflows/backend/internal/eligibility"
	"cs-workflows/backend/internal/hydrate"
	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/observability"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/scheduler"
	"cs-workflows/backend/internal/services"
	"cs-workflows/backend/internal/sweeper"
	"cs-workflows/backend/internal/thresholds"
)

// app is the wired service, shared by every command.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      repository.Store
	postgres   *repository.PostgresStore
	cache      *thresholds.Cache
	conditions *condition.Evaluator
	snapshots  services.SnapshotProvider
	workflows  *services.WorkflowService
	machine    *lifecycle.Machine
	sweeper    *sweeper.Sweeper
	telemetry  *observability.Provider

	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	a.telemetry, err = observability.Setup(ctx, observability.Config{
		Enabled:        cfg.Observability.Enabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}
	metrics, err := observability.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	source, err := a.thresholdSource(ctx)
	if err != nil {
		return nil, err
	}
	a.cache = thresholds.NewCache(source,
		thresholds.WithTTL(cfg.Thresholds.CacheTTL),
		thresholds.WithLogger(logger),
		thresholds.WithFallbackHook(metrics.ThresholdFallback),
	)

	a.conditions, err = condition.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition evaluator: %w", err)
	}

	a.snapshots = a.store
	if cfg.Snapshots.URL != "" {
		client := services.NewHTTPSnapshotClient(cfg.Snapshots.URL, cfg.Snapshots.Timeout)
		a.snapshots = services.NewFallbackSnapshots(client, a.store, logger)
		logger.Info("snapshot service configured", "url", cfg.Snapshots.URL)
	}

	sched := scheduler.New()
	resolver := compiler.NewResolver(a.store, a.conditions,
		compiler.WithLogger(logger),
		compiler.WithSkipHook(metrics.ModificationSkipped),
	)
	a.workflows = services.NewWorkflowService(
		a.store,
		eligibility.NewEngine(a.cache),
		compiler.NewCompiler(a.store, resolver),
		hydrate.New(hydrate.WithMaxDepth(cfg.Engine.MaxHydrationDepth)),
		sched,
		services.WithLogger(logger),
		services.WithParallelism(cfg.Engine.ProvisionParallelism),
		services.WithCompileHook(metrics.Compiled),
	)
	a.machine = lifecycle.NewMachine(a.store, a.snapshots, sched,
		lifecycle.WithLogger(logger),
		lifecycle.WithObserver(metrics.Transitioned),
	)
	a.sweeper = sweeper.New(a.store, a.machine, sched,
		sweeper.WithInterval(cfg.Sweep.Interval),
		sweeper.WithEscalation(cfg.Sweep.EscalationUser),
		sweeper.WithLogger(logger),
		sweeper.WithReportHook(metrics.Swept),
	)
	return a, nil
}

func (a *app) initStore(ctx context.Context) error {
	if a.cfg.Server.Lite {
		a.logger.Warn("lite mode: executions and templates are kept in memory only")
		a.store = repository.NewMemoryStore()
		return nil
	}

	pool, err := initDatabase(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)
	a.postgres = repository.NewPostgresStore(pool)
	if err := a.postgres.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.store = a.postgres
	a.logger.Info("Database connected", "host", a.cfg.DB.Host, "name", a.cfg.DB.Name)
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// thresholdSource opens the configured threshold backend. Lite mode has no
// Postgres, so the postgres backend falls back to the SQL one there.
func (a *app) thresholdSource(ctx context.Context) (thresholds.Source, error) {
	backend := a.cfg.Thresholds.Backend
	if backend == "postgres" && a.cfg.Server.Lite {
		backend = "sql"
	}
	a.logger.Info("threshold backend", "backend", backend)

	switch backend {
	case "postgres":
		return a.store, nil
	case "memory":
		return repository.NewMemoryStore(), nil
	case "redis":
		client := thresholds.NewRedisClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		return thresholds.NewRedisSource(client, a.cfg.Thresholds.RedisKey), nil
	case "sql":
		db, err := sql.Open(a.cfg.Thresholds.SQLDriver, a.cfg.Thresholds.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open threshold database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		src := thresholds.NewSQLSource(db)
		if err := src.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown thresholds backend %q", backend)
	}
}

// Close releases everything buildApp opened, newest first.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shut down telemetry", "error", err)
		}
	}
}
