package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/condition"
	"github.com/castwork/castwork/pkg/config"
	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/policy"
	"github.com/castwork/castwork/pkg/providers"
	"github.com/castwork/castwork/pkg/publish"
	"github.com/castwork/castwork/pkg/scheduler"
	"github.com/castwork/castwork/pkg/stores"
	"github.com/castwork/castwork/pkg/stores/postgres"
	"github.com/castwork/castwork/pkg/telemetry"
)

// app wires the configured components for one command.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    stores.Store
	registry *providers.Registry
	prices   engine.PriceTable
	engine   *engine.Engine
	policy   *policy.Engine
	control  *engine.Controller

	// scheduler is nil until withScheduler is called.
	scheduler engine.TaskScheduler
	pool      *scheduler.Pool
	queue     *scheduler.RedisQueue

	closers []io.Closer
}

// loadConfig loads the config file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}
	return cfg, nil
}

// newApp opens the store and builds the engine. Components that need a running
// scheduler are added by withScheduler.
func newApp(ctx context.Context, info buildInfo) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = info.Version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: *tel.Logger.NewComponentLogger("cli").Zerolog(),
	}

	if err := a.init(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store)

	if err := a.buildProviders(ctx); err != nil {
		return err
	}

	a.engine, err = engine.NewEngine(engine.Options{
		Store:              a.store,
		Adapters:           a.registry.Table(),
		Conditions:         condition.NewStarlarkEvaluator(a.cfg.Engine.ConditionTimeout, a.cfg.Engine.ConditionMaxSteps),
		Costs:              a.prices,
		Telemetry:          a.tel,
		DefaultStepTimeout: a.cfg.Engine.DefaultStepTimeout,
		PreviewLength:      a.cfg.Engine.PreviewLength,
		QueryTimeout:       a.cfg.Store.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	a.policy, err = policy.NewEngine(*a.tel.Logger.Zerolog(), a.cfg.Policy.Builtins)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := a.policy.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	return nil
}

// openStore opens and, when configured, migrates the execution store.
func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return stores.NewMemoryStore(), nil

	case config.DriverSQLite:
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.DSN, MaxOpenConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.DSN,
			MaxConns:       int32(cfg.MaxConns),
			MigrateOnStart: cfg.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// buildProviders binds adapters to step types. A configured publish sink serves
// publish steps.
func (a *app) buildProviders(ctx context.Context) error {
	registry, prices, err := providers.Build(a.cfg.Providers)
	if err != nil {
		return err
	}

	var sink publish.Sink
	switch a.cfg.Publish.Kind {
	case config.PublishMinio:
		sink, err = publish.NewMinioSink(ctx, a.cfg.Publish.Minio)
		if err != nil {
			return fmt.Errorf("failed to create minio sink: %w", err)
		}
	case config.PublishSFTP:
		sftpSink, err := publish.NewSFTPSink(a.cfg.Publish.SFTP)
		if err != nil {
			return fmt.Errorf("failed to create sftp sink: %w", err)
		}
		a.closers = append(a.closers, sftpSink)
		sink = sftpSink
	}
	if sink != nil {
		if err := registry.Register(engine.StepTypePublish, publish.NewPublisher(sink, a.cfg.Publish.Prefix)); err != nil {
			return err
		}
	}

	a.registry = registry
	a.prices = prices
	a.logger.Debug().Interface("step_types", registry.Types()).Msg("Provider adapters bound")
	return nil
}

// withScheduler creates the scheduler for mode and the job controller on top of it.
func (a *app) withScheduler(ctx context.Context, mode scheduler.Mode) error {
	switch mode {
	case scheduler.ModeInline:
		a.scheduler = scheduler.NewInline(a.engine, a.tel)
	case scheduler.ModeAsync:
		a.pool = scheduler.NewPool(a.engine, a.cfg.Scheduler.Pool, a.tel)
		a.pool.Start(ctx)
		a.scheduler = a.pool
	case scheduler.ModeRedis:
		queue, err := scheduler.NewRedisQueue(ctx, a.cfg.Scheduler.Redis, a.tel)
		if err != nil {
			return err
		}
		a.queue = queue
		a.closers = append(a.closers, queue)
		a.scheduler = queue
	default:
		return fmt.Errorf("unknown scheduler mode %q", mode)
	}

	control, err := engine.NewController(engine.ControllerOptions{
		Store:        a.store,
		Scheduler:    a.scheduler,
		Admitter:     a.policy,
		Telemetry:    a.tel,
		QueryTimeout: a.cfg.Store.QueryTimeout,
	})
	if err != nil {
		return err
	}
	a.control = control
	return nil
}

// Close stops the pool, flushes telemetry and closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
