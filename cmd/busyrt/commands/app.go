package commands

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/busyhq/busyrt/pkg/capabilities"
	"github.com/busyhq/busyrt/pkg/config"
	"github.com/busyhq/busyrt/pkg/execution"
	"github.com/busyhq/busyrt/pkg/policy"
	"github.com/busyhq/busyrt/pkg/resources"
	"github.com/busyhq/busyrt/pkg/runtime"
	"github.com/busyhq/busyrt/pkg/stores"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// appOptions are the command-line overrides applied on top of the
// runtime config file.
type appOptions struct {
	ConfigPath string
	Bundles    []string
	StorePath  string
	Watch      bool
	// NoStore skips opening the execution history even when configured.
	NoStore bool
	// ServeMetrics forces metrics on. MetricsAddress overrides the
	// configured listen address.
	ServeMetrics   bool
	MetricsAddress string
	// Production starts from the production telemetry defaults.
	Production bool
}

// app is a fully wired runtime.
type app struct {
	cfg  *config.RuntimeConfig
	tel  *telemetry.Telemetry
	logr *telemetry.Logger

	loader      *config.Loader
	source      *runtime.StaticSource
	resources   *resources.Manager
	caps        *capabilities.Resolver
	algorithmic *execution.AlgorithmicStrategy
	human       *execution.HumanStrategy
	exec        *execution.Manager
	policy      *policy.Engine
	store       *stores.SQLiteStore
	orch        *runtime.Orchestrator
	watcher     *config.Watcher

	aiEnabled atomic.Bool
	closers   []func(context.Context) error
}

func loadRuntimeConfig(path string) (*config.RuntimeConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.NewLoader(nil).LoadRuntimeConfig(path)
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadRuntimeConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.StorePath != "" {
		cfg.StorePath = opts.StorePath
	}
	cfg.Bundles = append(cfg.Bundles, opts.Bundles...)

	telCfg := telemetry.DefaultConfig()
	if opts.Production {
		telCfg = telemetry.ProductionConfig()
	}
	if opts.MetricsAddress != "" {
		cfg.Telemetry.MetricsAddress = opts.MetricsAddress
	} else if opts.ServeMetrics && cfg.Telemetry.MetricsAddress == "" {
		cfg.Telemetry.MetricsAddress = telCfg.Metrics.ListenAddress
	}
	cfg.ApplyTelemetry(telCfg)
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logr:   tel.Logger.NewComponentLogger("cli"),
		loader: config.NewLoader(tel.Logger),
		source: runtime.NewStaticSource(),
	}
	a.closers = append(a.closers, tel.Shutdown)

	if err := a.wire(ctx, opts); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg, tel := a.cfg, a.tel

	a.resources = resources.NewManager(tel)
	a.resources.SetDefaultReservationTTL(cfg.ReservationTTL.Std())
	a.resources.SetReservationRetention(cfg.ReservationRetention.Std())
	a.closers = append(a.closers, func(context.Context) error {
		a.resources.Close()
		return nil
	})

	a.caps = capabilities.NewResolver(tel)
	a.algorithmic = execution.NewAlgorithmicStrategy()
	a.human = execution.NewHumanStrategy(tel)
	a.aiEnabled.Store(cfg.AIEnabled)
	ai := execution.NewAIStrategy(nil, a.aiEnabled.Load)

	var err error
	a.exec, err = execution.NewManager(cfg.ExecutionPolicy(), tel, a.algorithmic, ai, a.human)
	if err != nil {
		return err
	}

	a.policy, err = policy.NewEngine(ctx, tel, cfg.PolicySettings())
	if err != nil {
		return err
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := a.policy.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			return err
		}
	}
	a.exec.SetOverrideGuard(a.policy)

	var repo runtime.ExecutionRepository
	if cfg.StorePath != "" && !opts.NoStore {
		a.store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.StorePath}, tel)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
		if err := a.store.Init(ctx); err != nil {
			return err
		}
		if err := a.store.Migrate(ctx); err != nil {
			return err
		}
		a.store.RecordEvents(tel.Events, nil)
		// Drain the bus into the store before it closes.
		a.closers = append(a.closers, tel.Events.Close)
		repo = a.store
	}

	if len(cfg.Bundles) > 0 {
		bundle, err := a.loader.LoadBundles(cfg.Bundles)
		if err != nil {
			return err
		}
		cleanup, err := bundle.Apply(ctx, config.Targets{
			Resources:    a.resources,
			Capabilities: a.caps,
			Algorithmic:  a.algorithmic,
			Source:       a.source,
		})
		a.closers = append(a.closers, func(ctx context.Context) error {
			cleanup(ctx)
			return nil
		})
		if err != nil {
			return err
		}
	}

	a.orch, err = runtime.NewOrchestrator(a.resources, a.caps, a.exec, runtime.Options{
		Source:       a.source,
		Repository:   repo,
		Admission:    a.policy,
		HistoryLimit: cfg.CompletedHistoryLimit,
		Telemetry:    tel,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.orch.Close)

	if opts.Watch && opts.ConfigPath != "" {
		a.watcher = config.NewWatcher(opts.ConfigPath, a.loader, a.applyConfig, tel.Logger)
		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.watcher.Close() })
	}
	return nil
}

// applyConfig pushes a reloaded file into the running components.
func (a *app) applyConfig(cfg *config.RuntimeConfig) error {
	if err := a.orch.UpdateConfig(cfg.ToConfigUpdate()); err != nil {
		return err
	}
	if err := a.policy.SetSettings(context.Background(), cfg.PolicySettings()); err != nil {
		return err
	}
	a.resources.SetDefaultReservationTTL(cfg.ReservationTTL.Std())
	a.resources.SetReservationRetention(cfg.ReservationRetention.Std())
	a.aiEnabled.Store(cfg.AIEnabled)
	return nil
}

// Close shuts components down in reverse order of construction.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
